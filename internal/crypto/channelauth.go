package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var ErrInvalidSignature = errors.New("invalid channel signature")

// ChannelSigner produces Pusher-compatible channel subscription signatures.
type ChannelSigner struct {
	appKey string
	key    []byte
}

// NewChannelSigner derives the signing key from the application secret.
func NewChannelSigner(appKey, appSecret string) (*ChannelSigner, error) {
	if appSecret == "" {
		return nil, errors.New("app secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(appSecret), []byte(appKey), []byte("channel-auth"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	return &ChannelSigner{appKey: appKey, key: key}, nil
}

// SignaturePayload creates the canonical data to sign.
// Format: socket_id:channel[:channel_data]
func SignaturePayload(socketID, channel, channelData string) []byte {
	if channelData == "" {
		return []byte(socketID + ":" + channel)
	}
	return []byte(socketID + ":" + channel + ":" + channelData)
}

// Sign returns the auth string "<app key>:<hex hmac>".
func (s *ChannelSigner) Sign(socketID, channel, channelData string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(SignaturePayload(socketID, channel, channelData))
	return s.appKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an auth string produced by Sign.
func (s *ChannelSigner) Verify(auth, socketID, channel, channelData string) error {
	key, sig, ok := strings.Cut(auth, ":")
	if !ok || key != s.appKey {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: invalid hex encoding", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(SignaturePayload(socketID, channel, channelData))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
