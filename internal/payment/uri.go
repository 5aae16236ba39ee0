package payment

import (
	"net/url"
	"strings"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// transferURL is the precomputed payment URI of mode A:
// solana:<recipient>?amount=<SOL>&reference=<key>&label=<..>&message=<..>
func transferURL(recipient chain.PublicKey, lamports uint64, reference chain.PublicKey, label, message string) string {
	var b strings.Builder
	b.WriteString("solana:")
	b.WriteString(recipient.String())
	b.WriteString("?amount=")
	b.WriteString(domain.LamportsToSOL(lamports).String())
	b.WriteString("&reference=")
	b.WriteString(reference.String())
	if label != "" {
		b.WriteString("&label=")
		b.WriteString(escape(label))
	}
	if message != "" {
		b.WriteString("&message=")
		b.WriteString(escape(message))
	}
	return b.String()
}

// transactionRequestURL wraps the https callback of mode B. The link carries
// a query string, so it is percent-encoded as a whole.
func transactionRequestURL(baseURL, path string, reference chain.PublicKey) string {
	link := strings.TrimRight(baseURL, "/") + path + "?reference=" + reference.String()
	return "solana:" + url.QueryEscape(link)
}

// escape percent-encodes a URI component, with %20 for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
