package interfaces

// Credentials are the result of authenticating a transport connection.
type Credentials struct {
	// Party is the identity recovered from the presented signature.
	Party PartyID

	// Resumed is true when the connection presented a valid resumption
	// token for Party, making it the same logical party as its previous
	// connection.
	Resumed bool
}

// Authenticator verifies the credentials presented with a transport upgrade.
type Authenticator interface {
	// Authenticate checks a signed nonce and an optional resumption token.
	Authenticate(nonce, signature, resumeToken string) (Credentials, error)

	// IssueResumeToken returns a token the party can present on reconnect.
	IssueResumeToken(party PartyID) (string, error)
}
