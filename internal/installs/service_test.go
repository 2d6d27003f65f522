package installs

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := NewService(repo, Options{
		WebhookBaseURL: "https://crm.example.com/webhooks/voice",
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestGetOrCreateDefaultFirstRun(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(t, repo)

	inst, err := svc.GetOrCreateDefault(context.Background())
	if err != nil {
		t.Fatalf("GetOrCreateDefault: %v", err)
	}
	if inst.InstallationID != DefaultInstallationID || !inst.Active {
		t.Errorf("installation: %+v", inst)
	}
	if inst.SharedSecret == "" || inst.SharedSecret == placeholderSecret {
		t.Error("first run must generate a real secret")
	}

	again, err := svc.GetOrCreateDefault(context.Background())
	if err != nil {
		t.Fatalf("second GetOrCreateDefault: %v", err)
	}
	if again.SharedSecret != inst.SharedSecret {
		t.Error("secret must be stable across calls")
	}
}

func TestGetOrCreateDefaultRotatesPlaceholder(t *testing.T) {
	repo := NewMemoryRepo()
	seeded := Installation{
		InstallationID: DefaultInstallationID,
		SharedSecret:   placeholderSecret,
		Active:         true,
	}
	if err := repo.Insert(context.Background(), seeded); err != nil {
		t.Fatal(err)
	}

	svc := newTestService(t, repo)
	inst, err := svc.GetOrCreateDefault(context.Background())
	if err != nil {
		t.Fatalf("GetOrCreateDefault: %v", err)
	}
	if inst.SharedSecret == placeholderSecret {
		t.Fatal("placeholder secret must be rotated before use")
	}

	stored, _ := repo.FindByInstallationID(context.Background(), DefaultInstallationID)
	if stored.SharedSecret != inst.SharedSecret {
		t.Error("rotated secret must be persisted")
	}
}

func TestSignedURLsCarryVerifiableTokens(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	eventURL, err := svc.EventURL(ctx, "conv-1")
	if err != nil {
		t.Fatalf("EventURL: %v", err)
	}
	answerURL, err := svc.AnswerURL(ctx, "conv-1", "operator")
	if err != nil {
		t.Fatalf("AnswerURL: %v", err)
	}

	if !strings.HasPrefix(eventURL, "https://crm.example.com/webhooks/voice/events?") {
		t.Errorf("event url: %s", eventURL)
	}
	if !strings.HasPrefix(answerURL, "https://crm.example.com/webhooks/voice/answer/operator?") {
		t.Errorf("answer url: %s", answerURL)
	}

	for _, raw := range []string{eventURL, answerURL} {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		q := u.Query()
		if q.Get("installation_id") != DefaultInstallationID || q.Get("conversation_uuid") != "conv-1" {
			t.Errorf("query of %s: %v", raw, q)
		}
		if err := svc.Verify(ctx, q.Get("installation_id"), q.Get("token")); err != nil {
			t.Errorf("embedded token does not verify: %v", err)
		}
	}
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	if _, err := svc.GetOrCreateDefault(ctx); err != nil {
		t.Fatal(err)
	}

	// token signed under a secret this installation never had
	forged := SignToken(DefaultInstallationID, "conv-1", "attacker-secret", time.Now())
	if err := svc.Verify(ctx, DefaultInstallationID, forged); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("got %v, want ErrTokenMismatch", err)
	}
}

func TestVerifyUnknownInstallation(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(t, repo)

	err := svc.Verify(context.Background(), "nonexistent", SignToken("nonexistent", "c", "s", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLookupSecretSkipsInactiveInstallation(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.Insert(context.Background(), Installation{
		InstallationID: "disabled",
		SharedSecret:   "s3cret",
		Active:         false,
	}); err != nil {
		t.Fatal(err)
	}

	svc := newTestService(t, repo)
	if _, err := svc.LookupSecret(context.Background(), "disabled"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for inactive installation", err)
	}
}
