// Package directory resolves Kerberos principal names and person IDs against
// the institutional LDAP directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the directory has no matching entry.
	ErrNotFound = errors.New("no such directory entry")
	// ErrInvalidName is returned for names that are not principal names.
	ErrInvalidName = errors.New("not a valid principal name")
)

const DefaultBaseDN = "dc=oak,dc=ox,dc=ac,dc=uk"

var principalNameRe = regexp.MustCompile(`^[A-Za-z0-9\-]+(?:/[A-Za-z0-9\-.]+)?@[A-Z.]+$`)

// PrincipalEntry is the directory record for a Kerberos principal.
type PrincipalEntry struct {
	Name     string
	PersonID *int64
}

// Person is the directory record for a human.
type Person struct {
	ID            int64
	PrincipalName string // local part of the person's primary principal
	SSOUsername   string
	DisplayName   string
	Email         string
}

// Config configures the LDAP connection.
type Config struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	// Timeout bounds dialing and each search. Zero leaves them unbounded.
	Timeout time.Duration
}

// Conn is the subset of *ldap.Conn the directory needs.
type Conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens an authenticated connection.
type Dialer func(ctx context.Context) (Conn, error)

// LDAP is a directory backed by one long-lived connection. A failed
// operation discards the connection and is retried once on a fresh one.
// Searches share the connection; mu guards only its replacement.
type LDAP struct {
	baseDN  string
	dial    Dialer
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn Conn
}

// New creates an LDAP directory. The connection is opened lazily.
func New(cfg Config, logger *zap.Logger) *LDAP {
	return NewWithDialer(cfg.BaseDN, func(ctx context.Context) (Conn, error) {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		conn, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(dialer))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
		}
		if cfg.Timeout > 0 {
			conn.SetTimeout(cfg.Timeout)
		}
		if cfg.BindDN != "" {
			if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
				conn.Close()
				return nil, fmt.Errorf("bind as %s: %w", cfg.BindDN, err)
			}
		}
		return conn, nil
	}, logger).WithTimeout(cfg.Timeout)
}

// NewWithDialer creates an LDAP directory using dial to open connections.
func NewWithDialer(baseDN string, dial Dialer, logger *zap.Logger) *LDAP {
	if baseDN == "" {
		baseDN = DefaultBaseDN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LDAP{baseDN: baseDN, dial: dial, logger: logger.Named("directory")}
}

// WithTimeout bounds each search. A search still running at the deadline
// abandons its connection.
func (d *LDAP) WithTimeout(timeout time.Duration) *LDAP {
	d.timeout = timeout
	return d
}

// ResolvePrincipal looks up a fully qualified principal name.
func (d *LDAP) ResolvePrincipal(ctx context.Context, name string) (*PrincipalEntry, error) {
	if !principalNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	local, realm, _ := strings.Cut(name, "@")
	dn := fmt.Sprintf("krbPrincipalName=%s@%s,cn=%s,cn=KerberosRealms,%s", local, realm, realm, d.baseDN)

	entry, err := d.lookup(ctx, dn, "oakPerson")
	if err != nil {
		return nil, err
	}
	out := &PrincipalEntry{Name: name}
	if personDN := entry.GetAttributeValue("oakPerson"); personDN != "" {
		id, err := d.parsePersonDN(personDN)
		if err != nil {
			return nil, err
		}
		out.PersonID = &id
	}
	return out, nil
}

// GetPerson looks up a person by ID.
func (d *LDAP) GetPerson(ctx context.Context, id int64) (*Person, error) {
	dn := fmt.Sprintf("oakPrimaryPersonID=%d,ou=people,%s", id, d.baseDN)
	entry, err := d.lookup(ctx, dn, "oakPrincipal", "oakOxfordSSOUsername", "displayName", "cn", "mail")
	if err != nil {
		return nil, err
	}
	p := &Person{
		ID:          id,
		SSOUsername: entry.GetAttributeValue("oakOxfordSSOUsername"),
		DisplayName: entry.GetAttributeValue("displayName"),
		Email:       entry.GetAttributeValue("mail"),
	}
	if p.DisplayName == "" {
		p.DisplayName = entry.GetAttributeValue("cn")
	}
	if principalDN := entry.GetAttributeValue("oakPrincipal"); principalDN != "" {
		p.PrincipalName = parsePrincipalDN(principalDN)
	}
	return p, nil
}

// Close drops the current connection, if any.
func (d *LDAP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// lookup reads a single entry by DN with a base-scoped search.
func (d *LDAP) lookup(ctx context.Context, dn string, attrs ...string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", attrs, nil)

	op := func() (*ldap.Entry, error) {
		res, err := d.search(ctx, req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if len(res.Entries) == 0 {
			return nil, backoff.Permanent(ErrNotFound)
		}
		return res.Entries[0], nil
	}
	entry, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, _ time.Duration) {
			d.logger.Warn("directory search failed, reconnecting", zap.String("dn", dn), zap.Error(err))
		}),
	)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", dn, err)
	}
	return entry, nil
}

func (d *LDAP) search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	conn, err := d.connection(ctx)
	if err != nil {
		return nil, err
	}

	type result struct {
		res *ldap.SearchResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := conn.Search(req)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !ldap.IsErrorWithCode(r.err, ldap.LDAPResultNoSuchObject) {
			d.discard(conn)
		}
		return r.res, r.err
	case <-ctx.Done():
		// Closing the connection fails the outstanding search.
		d.discard(conn)
		return nil, ctx.Err()
	}
}

func (d *LDAP) connection(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		conn, err := d.dial(ctx)
		if err != nil {
			return nil, err
		}
		d.conn = conn
	}
	return d.conn, nil
}

// discard closes conn and forgets it unless another caller already replaced it.
func (d *LDAP) discard(conn Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	conn.Close()
}

func (d *LDAP) parsePersonDN(dn string) (int64, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return 0, fmt.Errorf("parse person DN %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return 0, fmt.Errorf("person DN %q is empty", dn)
	}
	attr := parsed.RDNs[0].Attributes[0]
	if !strings.EqualFold(attr.Type, "oakPrimaryPersonID") {
		return 0, fmt.Errorf("unexpected person DN %q", dn)
	}
	id, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse person ID in %q: %w", dn, err)
	}
	return id, nil
}

// parsePrincipalDN extracts the local part from a krbPrincipalName DN.
func parsePrincipalDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	local, _, _ := strings.Cut(parsed.RDNs[0].Attributes[0].Value, "@")
	return local
}
