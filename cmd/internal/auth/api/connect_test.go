package api

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeQuery(cfg Config) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {cfg.ClientID},
		"redirect_uri":          {cfg.RedirectURIs[0]},
		"state":                 {"xyz"},
		"scope":                 {"api"},
		"code_challenge":        {testChallenge()},
		"code_challenge_method": {"S256"},
	}
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"rfc 7636 example", testVerifier, true},
		{"wrong verifier", strings.Repeat("a", 43), false},
		{"too short", "abc", false},
		{"illegal character", testVerifier[:42] + "+", false},
	}
	for _, tt := range tests {
		if got := verifyPKCE(tt.verifier, testChallenge()); got != tt.want {
			t.Fatalf("%s: verifyPKCE=%v want %v", tt.name, got, tt.want)
		}
	}
	if testChallenge() != "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" {
		t.Fatalf("unexpected S256 challenge %s", testChallenge())
	}
}

func TestAuthorize_RedirectsToLoginPage(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	cfg := ts.handler.cfg

	res := ts.do(t, http.MethodGet, "/connect/authorize?"+authorizeQuery(cfg).Encode(), "", nil)
	if res.status != http.StatusFound {
		t.Fatalf("status=%d body=%s", res.status, res.body)
	}
	loc, err := url.Parse(res.header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "app.example" || loc.Path != "/login" {
		t.Fatalf("unexpected location %s", loc)
	}
	if loc.Query().Get("code_challenge") != testChallenge() || loc.Query().Get("state") != "xyz" {
		t.Fatalf("authorization request not preserved: %s", loc.RawQuery)
	}

	bad := []struct {
		name string
		key  string
		val  string
	}{
		{"response type", "response_type", "token"},
		{"client", "client_id", "evil"},
		{"redirect", "redirect_uri", "https://evil.example/cb"},
		{"plain pkce", "code_challenge_method", "plain"},
		{"missing challenge", "code_challenge", ""},
	}
	for _, tt := range bad {
		q := authorizeQuery(cfg)
		q.Set(tt.key, tt.val)
		res := ts.do(t, http.MethodGet, "/connect/authorize?"+q.Encode(), "", nil)
		if res.status != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", tt.name, res.status)
		}
	}
}

func (ts *testServer) authorizeCode(t *testing.T, email string) string {
	t.Helper()
	cfg := ts.handler.cfg
	q := authorizeQuery(cfg)
	body := map[string]any{
		"email":                 email,
		"password":              testPassword,
		"client_id":             q.Get("client_id"),
		"redirect_uri":          q.Get("redirect_uri"),
		"state":                 q.Get("state"),
		"scope":                 q.Get("scope"),
		"code_challenge":        q.Get("code_challenge"),
		"code_challenge_method": "S256",
	}
	res := ts.do(t, http.MethodPost, "/connect/authorize", "", body)
	if res.status != http.StatusOK {
		t.Fatalf("authorize login status=%d body=%s", res.status, res.body)
	}
	var out struct {
		RedirectTo string `json:"redirect_to"`
	}
	res.decode(t, &out)
	u, err := url.Parse(out.RedirectTo)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(out.RedirectTo, cfg.RedirectURIs[0]) || u.Query().Get("state") != "xyz" {
		t.Fatalf("unexpected redirect %s", out.RedirectTo)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("missing code")
	}
	return code
}

func TestToken_AuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.register(t, "oauth@example.com")
	cfg := ts.handler.cfg

	code := ts.authorizeCode(t, "oauth@example.com")
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURIs[0]},
		"code_verifier": {testVerifier},
		"client_id":     {cfg.ClientID},
	}
	res := ts.postForm(t, "/connect/token", form, "", "")
	if res.status != http.StatusOK {
		t.Fatalf("token status=%d body=%s", res.status, res.body)
	}
	var tok oauthTokenResponse
	res.decode(t, &tok)
	if tok.AccessToken == "" || tok.RefreshToken == "" || tok.TokenType != "Bearer" || tok.ExpiresIn <= 0 {
		t.Fatalf("incomplete token response: %+v", tok)
	}
	if tok.Scope != "api" {
		t.Fatalf("scope=%q", tok.Scope)
	}

	res = ts.postForm(t, "/connect/token", form, "", "")
	if res.status != http.StatusBadRequest {
		t.Fatalf("code replay status=%d want 400", res.status)
	}
	var oe oauthError
	res.decode(t, &oe)
	if oe.Error != oauthInvalidGrant {
		t.Fatalf("error=%q", oe.Error)
	}

	refresh := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	res = ts.postForm(t, "/connect/token", refresh, "", "")
	if res.status != http.StatusOK {
		t.Fatalf("refresh grant status=%d body=%s", res.status, res.body)
	}
	var rotated oauthTokenResponse
	res.decode(t, &rotated)
	if rotated.SessionID != tok.SessionID || rotated.RefreshToken == tok.RefreshToken {
		t.Fatalf("refresh grant did not rotate within the session")
	}
}

func TestToken_AuthorizationCodeRejectsWrongVerifier(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.register(t, "pkce@example.com")
	cfg := ts.handler.cfg

	code := ts.authorizeCode(t, "pkce@example.com")
	res := ts.postForm(t, "/connect/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURIs[0]},
		"code_verifier": {strings.Repeat("x", 43)},
		"client_id":     {cfg.ClientID},
	}, "", "")
	if res.status != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.status)
	}

	res = ts.postForm(t, "/connect/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURIs[0]},
		"code_verifier": {testVerifier},
		"client_id":     {cfg.ClientID},
	}, "", "")
	if res.status != http.StatusBadRequest {
		t.Fatalf("code must be single use even after a failed exchange: %d", res.status)
	}
}

func TestToken_ClientAuthentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(c *Config) { c.ClientSecret = "s3cret" })
	ts.register(t, "client@example.com")
	cfg := ts.handler.cfg

	form := url.Values{
		"grant_type": {"password"},
		"username":   {"client@example.com"},
		"password":   {testPassword},
	}
	if res := ts.postForm(t, "/connect/token", form, cfg.ClientID, "wrong"); res.status != http.StatusUnauthorized {
		t.Fatalf("bad secret status=%d want 401", res.status)
	}
	if res := ts.postForm(t, "/connect/token", form, cfg.ClientID, "s3cret"); res.status != http.StatusOK {
		t.Fatalf("basic auth status=%d body=%s", res.status, res.body)
	}

	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", "s3cret")
	form.Set("grant_type", "client_credentials")
	res := ts.postForm(t, "/connect/token", form, "", "")
	if res.status != http.StatusBadRequest {
		t.Fatalf("unsupported grant status=%d", res.status)
	}
	var oe oauthError
	res.decode(t, &oe)
	if oe.Error != oauthUnsupportedGrantType {
		t.Fatalf("error=%q", oe.Error)
	}
}

func TestToken_PasswordGrantDisabled(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(c *Config) { c.PasswordGrant = false })
	cfg := ts.handler.cfg

	res := ts.postForm(t, "/connect/token", url.Values{
		"grant_type": {"password"},
		"username":   {"a@b.io"},
		"password":   {"x"},
		"client_id":  {cfg.ClientID},
	}, "", "")
	if res.status != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.status)
	}
}

func TestAuthorizeLogin_FormPostRedirects(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.register(t, "form@example.com")
	cfg := ts.handler.cfg

	form := authorizeQuery(cfg)
	form.Del("response_type")
	form.Set("email", "form@example.com")
	form.Set("password", testPassword)
	res := ts.postForm(t, "/connect/authorize", form, "", "")
	if res.status != http.StatusSeeOther {
		t.Fatalf("status=%d body=%s", res.status, res.body)
	}
	if !strings.HasPrefix(res.header.Get("Location"), cfg.RedirectURIs[0]+"?") {
		t.Fatalf("Location=%q", res.header.Get("Location"))
	}

	form.Set("password", "nope nope nope")
	if res := ts.postForm(t, "/connect/authorize", form, "", ""); res.status != http.StatusUnauthorized {
		t.Fatalf("bad password status=%d want 401", res.status)
	}
}
