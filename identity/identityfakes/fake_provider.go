package identityfakes

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/identity"
)

var _ identity.Provider = (*FakeProvider)(nil)

// CallCounts tallies invocations per operation.
type CallCounts struct {
	SignIn  int
	Silent  int
	SignOut int
}

// FakeProvider is an in-memory identity provider for tests.
type FakeProvider struct {
	lock sync.Mutex

	cred credential.Credential
	info credential.TokenInfo

	silentCred *credential.Credential
	silentInfo credential.TokenInfo

	signInErr  error
	silentErr  error
	signOutErr error

	counts    CallCounts
	signedOut []credential.Credential
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		cred: credential.NewIdentity("fake-identity-token"),
		info: credential.TokenInfo{IssuedAt: time.Now().UTC(), Lifetime: time.Hour},
	}
}

func (p *FakeProvider) SignIn(_ context.Context) (credential.Credential, credential.TokenInfo, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.counts.SignIn++
	if p.signInErr != nil {
		return credential.Credential{}, credential.TokenInfo{}, p.signInErr
	}
	return p.cred, p.info, nil
}

func (p *FakeProvider) SilentSignIn(_ context.Context) (credential.Credential, credential.TokenInfo, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.counts.Silent++
	if p.silentErr != nil {
		return credential.Credential{}, credential.TokenInfo{}, p.silentErr
	}
	if p.silentCred != nil {
		return *p.silentCred, p.silentInfo, nil
	}
	return p.cred, p.info, nil
}

func (p *FakeProvider) SignOut(_ context.Context, cred credential.Credential) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.counts.SignOut++
	p.signedOut = append(p.signedOut, cred)
	return p.signOutErr
}

// Returns sets what SignIn (and SilentSignIn, unless overridden) hands back.
func (p *FakeProvider) Returns(cred credential.Credential, info credential.TokenInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.cred = cred
	p.info = info
}

// SilentReturns sets a distinct result for SilentSignIn.
func (p *FakeProvider) SilentReturns(cred credential.Credential, info credential.TokenInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.silentCred = &cred
	p.silentInfo = info
}

func (p *FakeProvider) FailSignInWith(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.signInErr = err
}

func (p *FakeProvider) FailSilentWith(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.silentErr = err
}

func (p *FakeProvider) FailSignOutWith(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.signOutErr = err
}

// Calls returns the per-operation invocation tallies.
func (p *FakeProvider) Calls() CallCounts {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.counts
}

// SignedOut returns every credential SignOut was asked to revoke.
func (p *FakeProvider) SignedOut() []credential.Credential {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]credential.Credential, len(p.signedOut))
	copy(out, p.signedOut)
	return out
}
