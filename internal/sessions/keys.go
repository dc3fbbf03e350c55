package sessions

import "github.com/google/uuid"

const keyPrefix = "session:"

func sessionKey(id uuid.UUID) string { return keyPrefix + id.String() }
func playersKey(id uuid.UUID) string { return sessionKey(id) + ":players" }
func votesKey(id uuid.UUID) string   { return sessionKey(id) + ":votes" }
func lockKey(id uuid.UUID) string    { return sessionKey(id) + ":lock" }
