// Package turnrest mints coturn-compatible TURN REST credentials for
// participants fetching ICE configuration.
//
// See:
//   - https://github.com/coturn/coturn/wiki/turnserver
//   - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<participant_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	participantIDSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret        string
	TTLSeconds          int64
	UsernamePrefix      string
	Now                 func() time.Time
	ParticipantIDSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if containsColon(cfg.UsernamePrefix) {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ParticipantIDSource == nil {
		cfg.ParticipantIDSource = cryptoRandomParticipantID
	}
	return &Generator{
		sharedSecret:        []byte(cfg.SharedSecret),
		ttlSeconds:          cfg.TTLSeconds,
		usernamePrefix:      cfg.UsernamePrefix,
		now:                 cfg.Now,
		participantIDSource: cfg.ParticipantIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials bound to a participant id. The id lands in the
// TURN username, which makes coturn logs attributable to a participant.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" {
		return Credentials{}, errors.New("participantID is required")
	}
	if containsColon(participantID) {
		return Credentials{}, errors.New("participantID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, participantID)
	cred := signUsername(g.sharedSecret, username)
	return Credentials{
		Username:   username,
		Credential: cred,
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom mints credentials with a random participant id, for callers
// that fetch ICE configuration before joining a room.
func (g *Generator) GenerateRandom() (Credentials, error) {
	participantID, err := g.participantIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(participantID)
}

func cryptoRandomParticipantID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
