package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsProtected(t *testing.T) {
	p := New(WithExtraProtected("/boards/new/"))

	cases := map[string]bool{
		"/dashboard":              true,
		"/dashboard/":             true,
		"/profile/edit":           true,
		"/profiles":               false,
		"/marketplace":            false,
		"/marketplace/item/42":    true,
		"/marketplace/create":     true,
		"/messaging":              true,
		"/onboarding/step-2":      true,
		"/boards/new":             true,
		"/login":                  false,
		"/":                       false,
		"dashboard":               true,
		"/life-services":          false,
		"/life-services/apply/sim": true,
	}
	for path, want := range cases {
		require.Equal(t, want, p.IsProtected(path), path)
	}
}

func TestIsPublic(t *testing.T) {
	p := New()
	for _, path := range []string{"/", "/login", "/signup", "/help", "/terms", "/privacy", "/cookies", "/cookie-settings/"} {
		require.True(t, p.IsPublic(path), path)
	}
	require.False(t, p.IsPublic("/dashboard"))
	require.False(t, p.IsPublic("/help/faq"))
}

func TestBypassOnlyForOnboarding(t *testing.T) {
	p := New()

	require.True(t, p.Bypass(ParseLocation("/onboarding"), true))
	require.True(t, p.Bypass(ParseLocation("/onboarding/profile?force=true"), false))
	require.True(t, p.Bypass(ParseLocation("/onboarding?force=1"), false))
	require.False(t, p.Bypass(ParseLocation("/onboarding?force=no"), false))
	require.False(t, p.Bypass(ParseLocation("/onboarding"), false))

	require.False(t, p.Bypass(ParseLocation("/dashboard?force=true"), true))
	require.False(t, p.Bypass(ParseLocation("/onboardingx?force=true"), true))
}

func TestLoginRedirect(t *testing.T) {
	p := New()

	require.Equal(t, "/login?next=%2Fdashboard", p.LoginRedirect("/dashboard"))
	require.Equal(t, "/login?next=%2Fmessaging%3Fthread%3D4", p.LoginRedirect("/messaging?thread=4"))
	require.Equal(t, "/login", p.LoginRedirect(""))
	require.Equal(t, "/login", p.LoginRedirect("//evil.example"))
	require.Equal(t, "/login", p.LoginRedirect("/login?next=/x"))

	custom := New(WithLoginPath("/auth/sign-in/"))
	require.Equal(t, "/auth/sign-in", custom.LoginPath())
}

func TestSafeNext(t *testing.T) {
	require.Equal(t, "/dashboard", SafeNext("/dashboard", "/"))
	require.Equal(t, "/", SafeNext("https://evil.example", "/"))
	require.Equal(t, "/", SafeNext("//evil.example", "/"))
	require.Equal(t, "/", SafeNext("/\\evil", "/"))
	require.Equal(t, "/home", SafeNext("", "/home"))
}

func TestLocationRoundTrip(t *testing.T) {
	loc := ParseLocation("/marketplace/item/7/?ref=home#photos")
	require.Equal(t, "/marketplace/item/7", loc.Path)
	require.Equal(t, "home", loc.Query.Get("ref"))
	require.Equal(t, "photos", loc.Hash)
	require.Equal(t, "/marketplace/item/7?ref=home#photos", loc.String())
}
