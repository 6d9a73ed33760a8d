package model

// PixelEvent is one cell write reported by the external event source.
type PixelEvent struct {
	BoardID BoardID
	X       int
	Y       int
	Color   Color
	Owner   string
}

// ShortOwner truncates the owner for log output.
func (e PixelEvent) ShortOwner() string {
	return ShortIdentity(e.Owner)
}

// ShortIdentity returns at most the first 10 characters of an identity.
func ShortIdentity(identity string) string {
	if len(identity) <= 10 {
		return identity
	}
	return identity[:10] + "..."
}
