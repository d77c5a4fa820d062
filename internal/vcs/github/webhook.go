package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	EventPing = "ping"
	EventPush = "push"
)

// PushEvent captures the fields of a push webhook that can trigger an
// evaluation.
type PushEvent struct {
	Repo      string
	Ref       string
	CommitSHA string
	Pusher    string
}

// VerifySignature checks a GitHub webhook signature header against the payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}

	algo, sigHex, ok := strings.Cut(signatureHeader, "=")
	if !ok {
		return false, errors.New("signature header malformed")
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}

	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", algo)
	}

	return hmac.Equal(mac, sigBytes), nil
}

// ParsePushEvent decodes a webhook payload. The boolean result reports whether
// the delivery is a push to branchRef of a new commit.
func ParsePushEvent(eventType string, body []byte, branchRef string) (PushEvent, bool, error) {
	if eventType != EventPush {
		return PushEvent{}, false, nil
	}
	var evt pushPayload
	if err := json.Unmarshal(body, &evt); err != nil {
		return PushEvent{}, false, fmt.Errorf("decode push event: %w", err)
	}
	if evt.Deleted || evt.After == "" || evt.Ref == "" {
		return PushEvent{}, false, nil
	}
	repo := normalizeRepo(evt.Repository)
	if repo == "" {
		return PushEvent{}, false, errors.New("push event missing repository metadata")
	}
	if branchRef != "" && evt.Ref != branchRef {
		return PushEvent{}, false, nil
	}
	return PushEvent{
		Repo:      repo,
		Ref:       evt.Ref,
		CommitSHA: evt.After,
		Pusher:    evt.Pusher.Name,
	}, true, nil
}

// ComputeEventKey derives a deterministic idempotency key for a push.
func ComputeEventKey(repo, commitSHA string) (string, error) {
	if repo == "" || commitSHA == "" {
		return "", errors.New("repo and commit_sha required")
	}
	sum := sha256.Sum256([]byte(repo + "|" + commitSHA + "|" + EventPush))
	return hex.EncodeToString(sum[:]), nil
}

type repoRef struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
}

type pushPayload struct {
	Ref        string  `json:"ref"`
	After      string  `json:"after"`
	Deleted    bool    `json:"deleted"`
	Repository repoRef `json:"repository"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

func normalizeRepo(repo repoRef) string {
	if full := strings.TrimSpace(repo.FullName); full != "" {
		return full
	}
	owner := strings.TrimSpace(repo.Owner.Login)
	if owner == "" {
		owner = strings.TrimSpace(repo.Owner.Name)
	}
	name := strings.TrimSpace(repo.Name)
	if owner == "" || name == "" {
		return ""
	}
	return owner + "/" + name
}
