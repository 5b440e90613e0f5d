package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"

	"adwatch/internal/domain"
)

// fakeConn drives the classification state machine without a directory
// server. Search requests with an empty base DN are the root DSE read on the
// anonymous path.
type fakeConn struct {
	bindErr       error
	anonBindErr   error
	searchErr     error
	rootDSEErr    error
	bindCalled    bool
	anonCalled    bool
	searchCalled  bool
	rootDSECalled bool
	closed        bool
}

func (f *fakeConn) Bind(username, password string) error {
	f.bindCalled = true
	return f.bindErr
}

func (f *fakeConn) UnauthenticatedBind(username string) error {
	f.anonCalled = true
	return f.anonBindErr
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if req.BaseDN == "" {
		f.rootDSECalled = true
		if f.rootDSEErr != nil {
			return nil, f.rootDSEErr
		}
		return &ldap.SearchResult{}, nil
	}
	f.searchCalled = true
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &ldap.SearchResult{}, nil
}

func (f *fakeConn) SetTimeout(time.Duration) {}
func (f *fakeConn) Close() error             { f.closed = true; return nil }

func classifierWith(conn *fakeConn) *LDAPClassifier {
	return &LDAPClassifier{
		Timeout: time.Second,
		Dial: func(ctx context.Context, address string) (Conn, error) {
			return conn, nil
		},
	}
}

var testCreds = Credentials{Domain: "CORP", Username: "monitor", Password: "secret"}

const testBase = "dc=corp,dc=example,dc=com"

func TestProbe_FullBind(t *testing.T) {
	conn := &fakeConn{}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01.corp.example.com", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.FullBind {
		t.Fatalf("want full_bind, got %s (%s)", out.Kind, out.Diagnostic)
	}
	if out.SearchElapsed == nil {
		t.Fatalf("want search elapsed on full bind")
	}
	if !conn.closed {
		t.Fatalf("connection was not closed")
	}
}

func TestProbe_ReferralCountsAsFullBind(t *testing.T) {
	conn := &fakeConn{searchErr: ldap.NewError(ldap.LDAPResultReferral, errors.New("referral to ldap://other"))}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.FullBind {
		t.Fatalf("want full_bind on referral, got %s", out.Kind)
	}
	if out.SearchElapsed == nil {
		t.Fatalf("want search elapsed recorded on referral")
	}
	if !strings.Contains(out.Diagnostic, "referral") {
		t.Fatalf("want referral diagnostic, got %q", out.Diagnostic)
	}
}

func TestProbe_RejectedBindFallsBackToAnonymous(t *testing.T) {
	conn := &fakeConn{bindErr: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.AnonymousBind {
		t.Fatalf("want anonymous_bind, got %s (%s)", out.Kind, out.Diagnostic)
	}
	if !conn.anonCalled || !conn.rootDSECalled {
		t.Fatalf("anonymous path not fully exercised: anon=%v rootDSE=%v", conn.anonCalled, conn.rootDSECalled)
	}
	if !strings.Contains(out.Diagnostic, "falling back") {
		t.Fatalf("want fallback note in diagnostic, got %q", out.Diagnostic)
	}
}

func TestProbe_NetworkBindErrorDoesNotFallBack(t *testing.T) {
	conn := &fakeConn{bindErr: ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.Failed {
		t.Fatalf("want failed on network bind error, got %s", out.Kind)
	}
	if conn.anonCalled {
		t.Fatalf("anonymous fallback must not run on a network error")
	}
	if out.SearchElapsed != nil {
		t.Fatalf("failed outcome must not carry search elapsed")
	}
}

func TestProbe_AllPathsFail(t *testing.T) {
	conn := &fakeConn{
		bindErr:     ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
		anonBindErr: ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("anonymous disabled")),
	}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.Failed {
		t.Fatalf("want failed, got %s", out.Kind)
	}
	if out.SearchElapsed != nil {
		t.Fatalf("failed outcome must not carry search elapsed")
	}
	if !strings.Contains(out.Diagnostic, "anonymous bind failed") {
		t.Fatalf("want anonymous failure in diagnostic, got %q", out.Diagnostic)
	}
}

func TestProbe_SearchFailureIsFailed(t *testing.T) {
	conn := &fakeConn{searchErr: ldap.NewError(ldap.LDAPResultOperationsError, errors.New("boom"))}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.Failed {
		t.Fatalf("want failed on search error, got %s", out.Kind)
	}
	if out.SearchElapsed != nil {
		t.Fatalf("failed outcome must not carry search elapsed")
	}
}

func TestProbe_AnonymousOnlyWithoutCredentials(t *testing.T) {
	conn := &fakeConn{}
	c := classifierWith(conn)

	out := c.Probe(context.Background(), "dc01", Credentials{}, SearchConfig{})
	if out.Kind != domain.AnonymousBind {
		t.Fatalf("want anonymous_bind without credentials, got %s", out.Kind)
	}
	if conn.bindCalled {
		t.Fatalf("authenticated bind must not run without credentials")
	}
}

func TestProbe_DialError(t *testing.T) {
	c := &LDAPClassifier{
		Timeout: time.Second,
		Dial: func(ctx context.Context, address string) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	out := c.Probe(context.Background(), "dc01:636", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.Failed {
		t.Fatalf("want failed on dial error, got %s", out.Kind)
	}
	if !strings.Contains(out.Diagnostic, "connection refused") {
		t.Fatalf("want refusal diagnostic, got %q", out.Diagnostic)
	}
}

func TestProbe_ConfigurationErrors(t *testing.T) {
	c := classifierWith(&fakeConn{})

	out := c.Probe(context.Background(), "", testCreds, SearchConfig{BaseDN: testBase})
	if out.Kind != domain.Failed || !strings.Contains(out.Diagnostic, "configuration error") {
		t.Fatalf("want configuration error for empty address, got %s %q", out.Kind, out.Diagnostic)
	}

	out = c.Probe(context.Background(), "dc01", testCreds, SearchConfig{})
	if out.Kind != domain.Failed || !strings.Contains(out.Diagnostic, "search base") {
		t.Fatalf("want configuration error for empty search base, got %s %q", out.Kind, out.Diagnostic)
	}
}

func TestBindDN(t *testing.T) {
	if got := testCreds.BindDN(); got != `CORP\monitor` {
		t.Fatalf("want CORP\\monitor, got %q", got)
	}
	if got := (Credentials{Username: "monitor"}).BindDN(); got != "monitor" {
		t.Fatalf("want bare username without domain, got %q", got)
	}
}
