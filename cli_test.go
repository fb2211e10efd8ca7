package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"chatcore/internal/model"
	"chatcore/internal/store"
)

// cliDBSetup creates a temp directory with an initialized store and returns
// the database path. The directory is cleaned up when the test finishes.
func cliDBSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chatcore.db")
	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	st.Close()
	return dbPath
}

// cliDBWithUsers creates a database pre-seeded with the given display names.
func cliDBWithUsers(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chatcore.db")
	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for i, name := range names {
		if _, err := st.CreateUser(context.Background(), model.User{
			AgentUserID: name,
			Profile:     model.Profile{DisplayName: name},
			Active:      i == 0,
		}); err != nil {
			t.Fatalf("CreateUser(%q): %v", name, err)
		}
	}
	st.Close()
	return dbPath
}

func TestRunCLIUnknownReturnsFalse(t *testing.T) {
	if RunCLI([]string{"bogus"}, "irrelevant.db") {
		t.Fatal("expected unknown subcommand to return false")
	}
	if RunCLI(nil, "irrelevant.db") {
		t.Fatal("expected empty args to return false")
	}
}

func TestCLIVersion(t *testing.T) {
	if !RunCLI([]string{"version"}, "irrelevant.db") {
		t.Fatal("expected version subcommand to be handled")
	}
}

func TestCLIStatus(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice")
	if !cliStatus(dbPath) {
		t.Fatal("expected status to succeed")
	}
}

func TestCLIUsersListAndCreate(t *testing.T) {
	dbPath := cliDBSetup(t)

	if !cliUsers([]string{"create", "alice"}, dbPath) {
		t.Fatal("expected create to succeed")
	}
	if !cliUsers([]string{"list"}, dbPath) {
		t.Fatal("expected list to succeed")
	}

	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	users, err := st.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Profile.DisplayName != "alice" {
		t.Fatalf("expected one user named alice, got %#v", users)
	}
	if !users[0].Active {
		t.Fatal("expected the first created user to be active")
	}
}

func TestCLIUsersSetActive(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice", "bob")

	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	users, err := st.ListUsers(context.Background())
	st.Close()
	if err != nil || len(users) != 2 {
		t.Fatalf("ListUsers: %v / %#v", err, users)
	}

	var bobID model.UserID
	for _, u := range users {
		if u.Profile.DisplayName == "bob" {
			bobID = u.UserID
		}
	}

	if !cliUsers([]string{"active", strconv.FormatInt(int64(bobID), 10)}, dbPath) {
		t.Fatal("expected active to succeed")
	}

	st, err = store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	active, err := st.GetActiveUser(context.Background())
	if err != nil {
		t.Fatalf("GetActiveUser: %v", err)
	}
	if active.Profile.DisplayName != "bob" {
		t.Fatalf("expected bob active, got %q", active.Profile.DisplayName)
	}
}

func TestCLISettingsSetAndList(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice")

	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	u, err := st.GetActiveUser(context.Background())
	st.Close()
	if err != nil {
		t.Fatalf("GetActiveUser: %v", err)
	}
	userArg := strconv.FormatInt(int64(u.UserID), 10)

	if !cliSettings([]string{userArg, "set", "chatItemTTL", "86400"}, dbPath) {
		t.Fatal("expected settings set to succeed")
	}
	if !cliSettings([]string{userArg, "list"}, dbPath) {
		t.Fatal("expected settings list to succeed")
	}

	st, err = store.Open(dbPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	v, ok, err := st.GetSetting(context.Background(), u.UserID, "chatItemTTL")
	if err != nil || !ok || v != "86400" {
		t.Fatalf("expected chatItemTTL=86400, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestCLIBackup(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice")
	outPath := filepath.Join(filepath.Dir(dbPath), "backup.db")

	if !cliBackup([]string{outPath}, dbPath) {
		t.Fatal("expected backup to succeed")
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}

	st, err := store.Open(outPath, store.PolicyYes)
	if err != nil {
		t.Fatalf("store.Open backup: %v", err)
	}
	defer st.Close()
	users, err := st.ListUsers(context.Background())
	if err != nil || len(users) != 1 {
		t.Fatalf("expected backup to contain one user: %v / %#v", err, users)
	}
}
