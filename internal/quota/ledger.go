package quota

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInsufficientBalance is returned when a donor cannot cover a transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoRefAccount is returned when transferring into an account whose
	// ref account was never set.
	ErrNoRefAccount = errors.New("no ref account")
	// ErrNoSuchDonor is returned when a ref account does not exist in the ledger.
	ErrNoSuchDonor = errors.New("no such donor")
	// ErrRefAccountSet is returned when a ref account is assigned twice.
	ErrRefAccountSet = errors.New("ref account already set")
	// ErrUnrelated is returned when neither account references the other.
	ErrUnrelated = errors.New("accounts are not related")
	// ErrNoSuchAccount is returned for destroyed or foreign accounts.
	ErrNoSuchAccount = errors.New("no such account")
)

// Account is a bounded pool of a fungible resource. All fields are guarded by
// the owning ledger.
type Account struct {
	ledger    *Ledger
	id        uint64
	owner     string
	balance   uint64
	ref       *Account
	root      bool
	destroyed bool
}

// ID returns the ledger-unique identifier of the account.
func (a *Account) ID() uint64 { return a.id }

// Owner returns the identity the account was created for.
func (a *Account) Owner() string { return a.owner }

// Balance returns the current balance in resource units.
func (a *Account) Balance() uint64 {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return a.balance
}

// Ref returns the donor account linked to this account, or nil.
func (a *Account) Ref() *Account {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return a.ref
}

// Destroyed reports whether the account has been destroyed.
func (a *Account) Destroyed() bool {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return a.destroyed
}

func (a *Account) String() string {
	return fmt.Sprintf("account %d (%s)", a.id, a.owner)
}

// Ledger tracks a tree of accounts. Transfers are serialized by a single
// mutex so concurrent debits from one donor never overdraw it.
type Ledger struct {
	mu       sync.Mutex
	next     uint64
	accounts map[uint64]*Account
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[uint64]*Account)}
}

// NewRoot creates an account with an initial balance and no ref account.
// Root accounts are the only way resources enter the ledger.
func (l *Ledger) NewRoot(owner string, balance uint64) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.newLocked(owner)
	acct.balance = balance
	acct.root = true
	return acct
}

// CreateAccount creates an empty, unlinked account.
func (l *Ledger) CreateAccount(owner string) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newLocked(owner)
}

func (l *Ledger) newLocked(owner string) *Account {
	l.next++
	acct := &Account{ledger: l, id: l.next, owner: owner}
	l.accounts[acct.id] = acct
	return acct
}

func (l *Ledger) liveLocked(a *Account) bool {
	if a == nil || a.ledger != l || a.destroyed {
		return false
	}
	return l.accounts[a.id] == a
}

// SetRefAccount links account to donor. It must be called before any
// transfer into account and may be called only once per account.
func (l *Ledger) SetRefAccount(account, donor *Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.liveLocked(account) {
		return ErrNoSuchAccount
	}
	if !l.liveLocked(donor) || donor == account {
		return ErrNoSuchDonor
	}
	if account.ref != nil {
		return fmt.Errorf("%s: %w", account, ErrRefAccountSet)
	}
	for anc := donor; anc != nil; anc = anc.ref {
		if anc == account {
			return fmt.Errorf("%s: ref cycle through %s: %w", account, donor, ErrNoSuchDonor)
		}
	}
	account.ref = donor
	return nil
}

// Transfer moves amount from donor to account. Either the account references
// the donor (feeding a child) or the donor references the account (returning
// quota to a parent). The debit is all-or-nothing.
func (l *Ledger) Transfer(donor, account *Account, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.liveLocked(donor) {
		return ErrNoSuchDonor
	}
	if !l.liveLocked(account) {
		return ErrNoSuchAccount
	}
	if account.ref == nil && donor.ref != account {
		return fmt.Errorf("transfer into %s: %w", account, ErrNoRefAccount)
	}
	if account.ref != donor && donor.ref != account {
		return fmt.Errorf("transfer %s -> %s: %w", donor, account, ErrUnrelated)
	}
	if donor.balance < amount {
		return fmt.Errorf("transfer %d from %s (balance %d): %w", amount, donor, donor.balance, ErrInsufficientBalance)
	}
	donor.balance -= amount
	account.balance += amount
	return nil
}

// Destroy removes the account and returns its remaining balance to its ref
// account. Accounts referencing the destroyed one lose their link.
func (l *Ledger) Destroy(account *Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.liveLocked(account) {
		return ErrNoSuchAccount
	}
	if account.ref != nil && account.balance > 0 {
		account.ref.balance += account.balance
	}
	account.balance = 0
	account.destroyed = true
	for _, other := range l.accounts {
		if other.ref == account {
			other.ref = nil
		}
	}
	account.ref = nil
	delete(l.accounts, account.id)
	return nil
}

// Len returns the number of live accounts.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accounts)
}
