package commands

import (
	"errors"
	"fmt"
	"strings"

	"metabigor/internal/session"
	"metabigor/internal/sources"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	sessionCmd.AddCommand(sessionSetCmd, sessionCredsCmd, sessionCheckCmd)
	rootCmd.AddCommand(sessionCmd)
}

func knownSource(name string) (string, error) {
	for _, s := range sources.Names() {
		if s == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown source %q, expected one of %s", name, strings.Join(sources.Names(), ", "))
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manages the stored sessions and credentials of the search engines.",
}

var sessionSetCmd = &cobra.Command{
	Use:   "set <source> <token>",
	Short: "Stores a session cookie (or the Cube-Authorization header for zoomeye).",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := knownSource(args[0])
		if err != nil {
			return err
		}
		if err := env.creds.SaveToken(source, args[1]); err != nil {
			return err
		}
		env.tel.ReportGood("stored the session", source, env.creds.Path())
		return nil
	},
}

var sessionCredsCmd = &cobra.Command{
	Use:   "creds <source> <username:password>",
	Short: "Stores the credentials used to log in again when a session expires.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := knownSource(args[0])
		if err != nil {
			return err
		}
		username, password, ok := strings.Cut(args[1], ":")
		if !ok {
			return errors.New("credentials must be username:password")
		}
		err = env.creds.SaveCredentials(source, session.Credentials{Username: username, Password: password})
		if err != nil {
			return err
		}
		env.tel.ReportGood("stored the credentials", source, env.creds.Path())
		return nil
	},
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check [source...]",
	Short: "Checks the stored sessions, logging in again where it can.",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = sources.Names()
		}
		manager := session.NewManager(env.creds, env.tel)

		t := newTable()
		t.AppendHeader(table.Row{"Source", "Session", "Policy", "Error"})
		for _, name := range names {
			source, err := knownSource(name)
			if err != nil {
				return err
			}
			adapter, err := sources.New(source, env.client, env.tel, env.settings.Endpoints[source])
			if err != nil {
				return err
			}
			sess, err := manager.Ensure(cmd.Context(), adapter)
			errText := ""
			if err != nil {
				errText = err.Error()
			}
			t.AppendRow(table.Row{source, sess.Validity, adapter.Policy().Auth, errText})
		}
		t.Render()
		return nil
	},
}
