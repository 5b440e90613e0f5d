package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"adwatch/internal/domain"
)

// Credentials is the shared, read-only bind credential set. An empty
// Username means only the anonymous path is attempted.
type Credentials struct {
	Domain   string
	Username string
	Password string
}

// BindDN renders the credentials in the DOMAIN\user form the directory
// servers expect.
func (c Credentials) BindDN() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

type SearchConfig struct {
	BaseDN string
}

// Outcome classifies a single probe. SearchElapsed is nil unless the probe
// reached the information-retrieval phase, so it is always nil when Kind is
// domain.Failed.
type Outcome struct {
	Kind           domain.OutcomeKind
	ConnectElapsed time.Duration
	SearchElapsed  *time.Duration
	Diagnostic     string
}

// Classifier runs one reachability probe against one directory node and
// classifies the result. Implementations never retry; retry policy belongs
// to the scheduler.
type Classifier interface {
	Probe(ctx context.Context, address string, creds Credentials, search SearchConfig) Outcome
}

// Conn is the slice of the LDAP client surface the classifier needs.
// *ldap.Conn satisfies it; tests drive the state machine with fakes.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(timeout time.Duration)
	Close() error
}

type DialFunc func(ctx context.Context, address string) (Conn, error)

// LDAPClassifier probes over LDAPS. The directory servers in scope run with
// certificates the monitoring host cannot verify, so TLS verification is
// off, matching how the probes have always run.
type LDAPClassifier struct {
	Dial    DialFunc
	Timeout time.Duration
}

func NewLDAPClassifier(timeout time.Duration) *LDAPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LDAPClassifier{
		Timeout: timeout,
		Dial: func(ctx context.Context, address string) (Conn, error) {
			dialer := &net.Dialer{Timeout: timeout}
			if deadline, ok := ctx.Deadline(); ok {
				dialer.Deadline = deadline
			}
			return ldap.DialURL("ldaps://"+address,
				ldap.DialWithDialer(dialer),
				ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: true}),
			)
		},
	}
}

var _ Classifier = (*LDAPClassifier)(nil)

func failed(connectElapsed time.Duration, diagnostic string) Outcome {
	return Outcome{Kind: domain.Failed, ConnectElapsed: connectElapsed, Diagnostic: diagnostic}
}

// Probe walks the classification protocol: authenticated bind then extended
// search (a referral still counts as a full bind), with a fallback to
// anonymous bind plus a root DSE read when the credentials are rejected.
// Every call returns exactly one Outcome; probe failures are data, never
// errors.
func (c *LDAPClassifier) Probe(ctx context.Context, address string, creds Credentials, search SearchConfig) Outcome {
	if address == "" {
		return failed(0, "configuration error: node address is empty")
	}
	if creds.Username != "" && search.BaseDN == "" {
		return failed(0, "configuration error: search base is empty")
	}

	start := time.Now()
	conn, err := c.Dial(ctx, address)
	if err != nil {
		return failed(time.Since(start), networkDiagnostic(address, err))
	}
	defer conn.Close()
	conn.SetTimeout(c.Timeout)

	if creds.Username == "" {
		return c.anonymous(conn, address, start, "no credentials configured")
	}

	if err := conn.Bind(creds.BindDN(), creds.Password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			return failed(time.Since(start), networkDiagnostic(address, err))
		}
		// The bind was rejected but the node answered, so it may still be
		// serving. Cross-domain credential rejections land here too; the
		// anonymous fallback is the only discriminator we have.
		note := fmt.Sprintf("bind as %s failed: %v; falling back to anonymous bind", creds.BindDN(), err)
		return c.anonymous(conn, address, start, note)
	}
	connectElapsed := time.Since(start)

	searchStart := time.Now()
	req := ldap.NewSearchRequest(
		search.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(creds.Username)),
		nil, nil,
	)
	_, err = conn.Search(req)
	searchElapsed := time.Since(searchStart)

	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultReferral) {
			// The handshake already succeeded, which is the signal being
			// measured; the referral only says the subtree lives elsewhere.
			return Outcome{
				Kind:           domain.FullBind,
				ConnectElapsed: connectElapsed,
				SearchElapsed:  &searchElapsed,
				Diagnostic:     fmt.Sprintf("referral from %s: %v", address, err),
			}
		}
		return failed(connectElapsed, fmt.Sprintf("extended search failed: %v", err))
	}

	return Outcome{
		Kind:           domain.FullBind,
		ConnectElapsed: connectElapsed,
		SearchElapsed:  &searchElapsed,
	}
}

// anonymous runs the degraded path: anonymous bind plus a root DSE read.
// Success proves the node is up and serving even without valid credentials.
func (c *LDAPClassifier) anonymous(conn Conn, address string, start time.Time, note string) Outcome {
	if err := conn.UnauthenticatedBind(""); err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			return failed(time.Since(start), joinNotes(note, networkDiagnostic(address, err)))
		}
		return failed(time.Since(start), joinNotes(note, fmt.Sprintf("anonymous bind failed: %v", err)))
	}
	connectElapsed := time.Since(start)

	readStart := time.Now()
	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"supportedLDAPVersion"}, nil,
	)
	_, err := conn.Search(req)
	readElapsed := time.Since(readStart)
	if err != nil {
		return failed(connectElapsed, joinNotes(note, fmt.Sprintf("root DSE read failed: %v", err)))
	}

	return Outcome{
		Kind:           domain.AnonymousBind,
		ConnectElapsed: connectElapsed,
		SearchElapsed:  &readElapsed,
		Diagnostic:     note,
	}
}

// networkDiagnostic distinguishes the common transport failures so a
// reader of the probe log can tell a bad DNS name from a refused port from
// a plain timeout.
func networkDiagnostic(address string, err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("cannot resolve %s: %v", address, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("timeout connecting to %s: %v", address, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Sprintf("connection refused by %s: possibly a bad port or plain ldap on an ldaps endpoint: %v", address, err)
	}
	return fmt.Sprintf("network error reaching %s: %v", address, err)
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
