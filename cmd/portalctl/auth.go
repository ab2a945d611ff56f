package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"finitefield.org/campus-portal/internal/portal/apiclient"
)

var errNotSignedIn = errors.New("not signed in")

func loginCmd(opts *rootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password is required")
				}
				password = strings.TrimRight(line, "\r\n")
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.tab.SignIn(cmd.Context(), email, password)
			if err != nil {
				var statusErr *apiclient.StatusError
				if errors.As(err, &statusErr) && statusErr.Unauthorized() {
					return errors.New("invalid email or password")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (read from stdin when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out every portalctl process",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tab.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func whoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Validate the stored token and print the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			snap := a.tab.Snapshot()
			if !snap.IsAuthenticated() || snap.User == nil {
				return errNotSignedIn
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", displayName(snap.User), snap.User.Email)
			if snap.User.University != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "University: %s\n", snap.User.University)
			}
			return nil
		},
	}
}

func displayName(u *apiclient.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}
