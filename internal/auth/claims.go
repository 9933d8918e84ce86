package auth

// Claims carries the identity attributes extracted from a validated session
// token.
type Claims struct {
	Subject     string
	UserID      string
	Email       string
	DisplayName string
}
