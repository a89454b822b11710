package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/toolhub/agent/terminal"
	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

type chatFlags struct {
	session   string
	resume    string
	verbosity string
	page      string
}

func newChatCmd(root *rootFlags) *cobra.Command {
	var flags chatFlags

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Chat with the agent in the terminal",
		Long:  "Run prompts from the terminal. Tool calls are approved at the prompt and the conversation is saved under ./.toolhub/sessions.",
		Example: `  toolhub chat
  toolhub chat -s refactor "list the files in this directory"
  toolhub chat -r refactor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, root, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&flags.session, "session", "s", "", "Session name to create")
	cmd.Flags().StringVarP(&flags.resume, "resume", "r", "", "Resume a saved session by name")
	cmd.Flags().StringVar(&flags.verbosity, "verbosity", "info", "Tool verbosity: none, info or all")
	cmd.Flags().StringVar(&flags.page, "page", "", "URL of the page tools act on, for domain-scoped permissions")
	cmd.MarkFlagsMutuallyExclusive("session", "resume")

	return cmd
}

func (f *chatFlags) run(cmd *cobra.Command, root *rootFlags, initialPrompt string) error {
	verbosity, err := terminal.ParseVerbosity(f.verbosity)
	if err != nil {
		return err
	}
	// Routine logs would interleave with the conversation.
	if !root.debug && root.logFile == "" {
		root.level.SetLevel(zapcore.WarnLevel)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, root.cfg, root.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.rt.Provider() == nil {
		return errors.New("no provider configured: set provider in %s/config.yaml or %s", config.DirName, config.EnvProvider)
	}

	dir, err := sessionDir()
	if err != nil {
		return err
	}
	sess, err := f.openSession(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	conv := a.rt.Attach(sess)
	term := terminal.New(a.rt, conv, cmd.InOrStdin(), out, verbosity, root.logger.Named("terminal"))
	if f.page != "" {
		term.SetPage(f.page)
	}

	go func() {
		_ = a.rt.Run(ctx)
	}()

	fmt.Fprintln(out, "toolhub is ready. Type your prompt, /quit to exit.")
	return term.Run(ctx, initialPrompt)
}

func (f *chatFlags) openSession(dir string) (*session.Session, error) {
	if f.resume != "" {
		sess, err := session.Load(dir, f.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "error resuming session '%s'", f.resume)
		}
		return sess, nil
	}
	name := f.session
	if name == "" {
		name = defaultSessionName()
	}
	return session.Open(dir, name)
}

func sessionDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrapf(err, "could not get working directory")
	}
	return filepath.Join(wd, config.DirName), nil
}

// defaultSessionName names a session after the working directory and the
// time it was started.
func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "toolhub"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
