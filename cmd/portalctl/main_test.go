package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/config"
	"finitefield.org/campus-portal/internal/portal/testutil"
)

var ana = testutil.Account{
	Password: "s3cret",
	Token:    "tok-ana",
	User:     apiclient.User{ID: "u1", FirstName: "Ana", LastName: "Lima", Email: "ana@uni.edu", University: "State University"},
}

type cli struct {
	api     *testutil.API
	dir     string
	storage string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	return &cli{
		api:     testutil.NewAPI(t, ana),
		dir:     dir,
		storage: filepath.Join(dir, "storage.json"),
	}
}

func (c *cli) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(c.dir, "config.yaml"),
		"--api", c.api.BaseURL(),
		"--storage", c.storage,
	}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "", "login", "--email", ana.User.Email, "--password", ana.Password)
	require.NoError(t, err)
	require.Equal(t, "Signed in as Ana Lima\n", out)

	out, err = c.run(t, "", "whoami")
	require.NoError(t, err)
	require.Contains(t, out, "Ana Lima <ana@uni.edu>")
	require.Contains(t, out, "University: State University")

	out, err = c.run(t, "", "logout")
	require.NoError(t, err)
	require.Equal(t, "Signed out\n", out)

	_, err = c.run(t, "", "whoami")
	require.ErrorIs(t, err, errNotSignedIn)
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, ana.Password+"\n", "login", "-e", ana.User.Email)
	require.NoError(t, err)
	require.Equal(t, 1, c.api.LoginCalls())
}

func TestLoginRejected(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "", "login", "-e", ana.User.Email, "-p", "wrong")
	require.EqualError(t, err, "invalid email or password")

	_, err = c.run(t, "", "whoami")
	require.ErrorIs(t, err, errNotSignedIn)
}

func TestWhoamiWithRevokedTokenClearsStorage(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "", "login", "-e", ana.User.Email, "-p", ana.Password)
	require.NoError(t, err)
	c.api.Revoke(ana.Token)

	_, err = c.run(t, "", "whoami")
	require.ErrorIs(t, err, errNotSignedIn)

	c.api.AddAccount(ana)
	_, err = c.run(t, "", "whoami")
	require.ErrorIs(t, err, errNotSignedIn)
}

func TestBrowseSignedOut(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "go /dashboard\ngo /help\nstatus\nquit\n", "browse")
	require.NoError(t, err)
	require.Contains(t, out, "redirect (no_token)\nat /login?next=%2Fdashboard\n")
	require.Contains(t, out, "allow (public)\nat /help\n")
	require.Contains(t, out, "session: unauthenticated\n")
	require.Zero(t, c.api.GetUserCalls())
}

func TestBrowseSignedIn(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "", "login", "-e", ana.User.Email, "-p", ana.Password)
	require.NoError(t, err)

	out, err := c.run(t, "go /dashboard\ngo /profile\nback\nhistory\nquit\n", "browse")
	require.NoError(t, err)
	require.Contains(t, out, "allow (validated)\nat /dashboard\n")
	require.Contains(t, out, "allow (cached)\nat /profile\n")
	require.Contains(t, out, "> /dashboard\n")
}

func TestConfigureWritesFile(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "", "configure", "--host", "portal.uni.edu", "--log-level", "debug")
	require.NoError(t, err)
	require.Contains(t, out, "Wrote ")

	cfg, err := config.LoadCLI(filepath.Join(c.dir, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "portal.uni.edu", cfg.Host)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, c.storage, cfg.StoragePath)
}

func TestVersionShort(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "", "version", "--short")
	require.NoError(t, err)
	require.Equal(t, "dev\n", out)
}
