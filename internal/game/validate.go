package game

import (
	"regexp"
	"strings"
)

var (
	// Solana addresses are base58, 32 to 44 characters
	walletPattern   = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,28}$`)
)

func validateJoin(p *JoinPayload) error {
	p.WalletAddress = strings.TrimSpace(p.WalletAddress)
	p.Username = strings.TrimSpace(p.Username)

	if !walletPattern.MatchString(p.WalletAddress) {
		return invalid(ErrInvalidWallet)
	}
	if !usernamePattern.MatchString(p.Username) {
		return invalid(ErrInvalidUsername)
	}
	return nil
}

// ValidWallet reports whether s looks like a Solana address
func ValidWallet(s string) bool {
	return walletPattern.MatchString(s)
}
