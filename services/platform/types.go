package platform

import "time"

// Identity is the platform's view of the authenticated account.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Token is the response of the token endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// SearchResult is one post returned by the platform search endpoint. The
// attribute map fed to rule filters is derived from these fields.
type SearchResult struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	Lang           string    `json:"lang"`
	LikeCount      int       `json:"like_count"`
	RepostCount    int       `json:"repost_count"`
	FollowerCount  int       `json:"follower_count"`
	CreatedAt      time.Time `json:"created_at"`
}
