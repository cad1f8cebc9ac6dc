package bus

import (
	"fmt"
	"strings"
)

// Key and channel names shared by the agent, the supervisor and the workers.
// Keep these in one place: the agent writes what the supervisor polls.

func SessionKey(uid, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", uid, sessionID)
}

// ParseSessionKey is the inverse of SessionKey, used by the watchdog sweep.
func ParseSessionKey(key string) (uid, sessionID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "session" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func AgentStatusKey(uid string) string {
	return fmt.Sprintf("agent:%s:status", uid)
}

func AgentCmdChannel(uid string) string {
	return fmt.Sprintf("agent:%s:cmd", uid)
}

// AgentRespChannel derives the response channel for one command. The mapping
// is deterministic so the caller can subscribe before publishing.
func AgentRespChannel(uid, correlationID string) string {
	return fmt.Sprintf("agent:%s:resp:%s", uid, correlationID)
}

func MetricsChannel(uid string) string {
	return fmt.Sprintf("metrics:%s", uid)
}

func LogsChannel(uid string) string {
	return fmt.Sprintf("logs:%s", uid)
}

func SessionQueue(uid, sessionID string) string {
	return fmt.Sprintf("user:%s:%s", uid, sessionID)
}

func CooldownKey(uid, sessionID, pair string) string {
	return fmt.Sprintf("cooldown:%s:%s:%s", uid, sessionID, pair)
}
