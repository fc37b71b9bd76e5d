package store

// contactTx implements ContactTx on top of a *sql.Tx.
type contactTx struct {
	conn
	contactID string
}

var _ ContactTx = (*contactTx)(nil)

func (t *contactTx) ContactID() string { return t.contactID }
