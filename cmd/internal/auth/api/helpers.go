package api

import (
	"sessiongate/cmd/identity"
	"sessiongate/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
}

func toTokensResponse(issued session.Issued) tokensResponse {
	return tokensResponse{
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}
}

func toSessionViews(in []session.SessionView) []sessionViewResponse {
	out := make([]sessionViewResponse, 0, len(in))
	for _, v := range in {
		out = append(out, sessionViewResponse{
			ID:         v.ID,
			Label:      v.Label,
			DeviceType: string(v.DeviceType),
			Browser:    v.Browser,
			OS:         v.OS,
			CreatedAt:  v.CreatedAt,
			LastActive: v.LastActive,
			Current:    v.Current,
		})
	}
	return out
}
