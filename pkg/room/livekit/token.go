package livekit

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// DefaultTokenTTL is the validity of agent join tokens when none is given.
const DefaultTokenTTL = 2 * time.Hour

// AgentToken mints a join token for identity in roomName, signed with the
// API key pair. The grant allows publishing audio and data and subscribing
// to the other participants.
func AgentToken(apiKey, apiSecret, roomName, identity, name string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", errors.New("livekit: api key and secret are required")
	}
	if roomName == "" {
		return "", errors.New("livekit: room name is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	canPublish, canSubscribe, canPublishData := true, true, true

	at := auth.NewAccessToken(apiKey, apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin:       true,
		Room:           roomName,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("livekit: sign token: %w", err)
	}
	return token, nil
}
