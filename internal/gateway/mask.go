package gateway

// maskUsername hides a bidder's identity in broadcast frames. Masking is a
// presentation concern applied to the NEW_BID broadcast only; the private
// BID_ACK and ERROR frames carry no username at all.
func maskUsername(name string) string {
	if name == "" {
		return "Anonymous"
	}
	runes := []rune(name)
	if len(runes) <= 2 {
		return string(runes[0]) + "***"
	}
	return string(runes[0]) + "***" + string(runes[len(runes)-1])
}
