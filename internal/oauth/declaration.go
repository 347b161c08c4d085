package oauth

const (
	FlowPassword = "password"
)

// Declaration names the token endpoint a plugin authenticates against.
type Declaration struct {
	Provider string
	Flow     string
	TokenURL string
}
