package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Scopes requested during authorization.
const oauthScopes = "threads_basic,threads_content_publish,threads_manage_insights,threads_manage_replies"

// AuthorizeURL builds the user-facing authorization URL. The state value is
// verified on the callback.
func (c *Client) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", c.redirect)
	params.Set("scope", oauthScopes)
	params.Set("response_type", "code")
	params.Set("state", state)
	return c.authURL + "?" + params.Encode()
}

// ExchangeResult is the outcome of a completed code exchange.
type ExchangeResult struct {
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
	Username    string
}

// ExchangeCode trades an authorization code for a long-lived access token and
// resolves the profile's username. The short-lived token from the first
// exchange is discarded once upgraded.
func (c *Client) ExchangeCode(ctx context.Context, code string) (ExchangeResult, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.secret)
	params.Set("grant_type", "authorization_code")
	params.Set("redirect_uri", c.redirect)
	params.Set("code", code)

	var short struct {
		AccessToken string      `json:"access_token"`
		UserID      json.Number `json:"user_id"`
	}
	if err := c.postForm(ctx, c.tokenURL, params, &short); err != nil {
		return ExchangeResult{}, fmt.Errorf("exchange code: %w", err)
	}
	if short.AccessToken == "" || short.UserID.String() == "" {
		return ExchangeResult{}, fmt.Errorf("token response missing access_token or user_id")
	}

	longURL := fmt.Sprintf("%s/access_token?grant_type=th_exchange_token&client_secret=%s&access_token=%s",
		c.graphRoot(), url.QueryEscape(c.secret), url.QueryEscape(short.AccessToken))

	var long struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, longURL, &long); err != nil {
		return ExchangeResult{}, fmt.Errorf("exchange long-lived token: %w", err)
	}

	result := ExchangeResult{
		UserID:      short.UserID.String(),
		AccessToken: long.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(long.ExpiresIn) * time.Second),
	}

	// Username lookup is best effort; the account works without it.
	profileURL := fmt.Sprintf("%s/%s?fields=id,username&access_token=%s",
		c.apiBase, result.UserID, url.QueryEscape(result.AccessToken))
	var profile struct {
		Username string `json:"username"`
	}
	if err := c.get(ctx, profileURL, &profile); err == nil {
		result.Username = profile.Username
	}

	return result, nil
}

// RefreshToken extends a long-lived token's validity. It returns the
// replacement token and its new expiry.
func (c *Client) RefreshToken(ctx context.Context, accessToken string) (string, time.Time, error) {
	endpoint := fmt.Sprintf("%s/refresh_access_token?grant_type=th_refresh_token&access_token=%s",
		c.graphRoot(), url.QueryEscape(accessToken))

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("refresh token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh response missing access_token")
	}
	return resp.AccessToken, time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
}

// Insights aggregates per-post engagement metrics.
type Insights struct {
	Views   int `json:"views"`
	Likes   int `json:"likes"`
	Replies int `json:"replies"`
	Reposts int `json:"reposts"`
	Quotes  int `json:"quotes"`
}

// PostInsights fetches engagement metrics for a published post.
func (c *Client) PostInsights(ctx context.Context, creds Credentials, postID string) (Insights, error) {
	endpoint := fmt.Sprintf("%s/%s/insights?metric=views,likes,replies,reposts,quotes&access_token=%s",
		c.apiBase, postID, url.QueryEscape(creds.AccessToken))

	var resp struct {
		Data []struct {
			Name   string `json:"name"`
			Values []struct {
				Value int `json:"value"`
			} `json:"values"`
		} `json:"data"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return Insights{}, err
	}

	var out Insights
	for _, metric := range resp.Data {
		if len(metric.Values) == 0 {
			continue
		}
		v := metric.Values[0].Value
		switch metric.Name {
		case "views":
			out.Views = v
		case "likes":
			out.Likes = v
		case "replies":
			out.Replies = v
		case "reposts":
			out.Reposts = v
		case "quotes":
			out.Quotes = v
		}
	}
	return out, nil
}
