package authn

import (
	"errors"
	"fmt"

	krbcredentials "github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// ctxCredentials is the context key under which gokrb5 stores the
// initiator's credentials after a successful AcceptSecContext.
const ctxCredentials = "github.com/jcmturner/gokrb5/v8/ctxCredentials"

// NewKerberosContextFactory loads keytabPath and returns a factory creating
// SPNEGO acceptor contexts for servicePrincipal.
func NewKerberosContextFactory(keytabPath, servicePrincipal string) (ContextFactory, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("load keytab %s: %w", keytabPath, err)
	}
	return func(string) SecurityContext {
		return &krb5Context{svc: spnego.SPNEGOService(kt, service.KeytabPrincipal(servicePrincipal))}
	}, nil
}

type krb5Context struct {
	svc *spnego.SPNEGO
}

func (k *krb5Context) Accept(input []byte) (string, string, error) {
	var st spnego.SPNEGOToken
	if err := st.Unmarshal(input); err != nil {
		// Some clients send a bare KRB5 token instead of wrapping it.
		var k5 spnego.KRB5Token
		if k5.Unmarshal(input) != nil {
			return "", NegotiateIncomplete, fmt.Errorf("unmarshal SPNEGO token: %w", err)
		}
		st.Init = true
		st.NegTokenInit.MechTypes = append(st.NegTokenInit.MechTypes, k5.OID)
		st.NegTokenInit.MechTokenBytes = input
	}

	authed, ctx, status := k.svc.AcceptSecContext(&st)
	switch status.Code {
	case gssapi.StatusComplete:
	case gssapi.StatusContinueNeeded:
		return "", NegotiateIncomplete, ErrContinueNeeded
	default:
		return "", NegotiateReject, fmt.Errorf("accept security context: %s", status.Message)
	}
	if !authed || ctx == nil {
		return "", NegotiateReject, errors.New("kerberos authentication failed")
	}
	creds, ok := ctx.Value(ctxCredentials).(*krbcredentials.Credentials)
	if !ok {
		return "", NegotiateReject, errors.New("no credentials in security context")
	}
	name := creds.UserName()
	if realm := creds.Realm(); realm != "" {
		name += "@" + realm
	}
	return name, NegotiateAcceptCompleted, nil
}
