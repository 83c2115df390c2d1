package database

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func mustSetup(t *testing.T) {
	t.Helper()
	if err := SetupForTest(); err != nil {
		t.Fatal(err)
	}
}

func makeChannel(t *testing.T, name string, parent *uuid.UUID) models.Channel {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	channel := models.Channel{
		ID:          id,
		Name:        name,
		ParentID:    parent,
		Kind:        models.ChannelKindVoice,
		Persistence: models.ChannelPermanent,
		CreatedAt:   time.Now().UTC(),
	}
	if err := CreateChannel(Conn(), &channel); err != nil {
		t.Fatalf("CreateChannel(%s) failed: %v", name, err)
	}
	return channel
}

func TestChannelCycleRejected(t *testing.T) {
	mustSetup(t)

	a := makeChannel(t, "A", nil)
	b := makeChannel(t, "B", &a.ID)
	c := makeChannel(t, "C", &b.ID)

	// A.parent = C closes a cycle
	a.ParentID = &c.ID
	err := UpdateChannel(Conn(), &a)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for cycle, got %v", err)
	}

	// state unchanged
	got, err := GetChannel(Conn(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID != nil {
		t.Errorf("channel A should still be a root, has parent %v", got.ParentID)
	}
}

func TestChannelSelfParentRejected(t *testing.T) {
	mustSetup(t)

	a := makeChannel(t, "A", nil)
	a.ParentID = &a.ID
	if err := UpdateChannel(Conn(), &a); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for self-parent, got %v", err)
	}
}

func TestDeleteChannelRemovesDescendants(t *testing.T) {
	mustSetup(t)

	a := makeChannel(t, "A", nil)
	b := makeChannel(t, "B", &a.ID)
	c := makeChannel(t, "C", &b.ID)
	other := makeChannel(t, "Other", nil)

	removed, err := DeleteChannel(Conn(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 3 {
		t.Errorf("expected 3 removed channels, got %d", len(removed))
	}

	for _, id := range []uuid.UUID{a.ID, b.ID, c.ID} {
		if _, err := GetChannel(Conn(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("channel %s should be gone, got %v", id, err)
		}
	}

	if _, err := GetChannel(Conn(), other.ID); err != nil {
		t.Errorf("unrelated channel should survive: %v", err)
	}
}

func TestSingleDefaultChannel(t *testing.T) {
	mustSetup(t)

	a := makeChannel(t, "A", nil)
	a.Default = true
	if err := UpdateChannel(Conn(), &a); err != nil {
		t.Fatal(err)
	}

	b := makeChannel(t, "B", nil)
	b.Default = true
	if err := UpdateChannel(Conn(), &b); err != nil {
		t.Fatal(err)
	}

	channels, err := ListChannels(Conn())
	if err != nil {
		t.Fatal(err)
	}

	defaults := 0
	for _, channel := range channels {
		if channel.Default {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default channel, got %d", defaults)
	}
}

func TestPurgeSemiPermanent(t *testing.T) {
	mustSetup(t)

	permanent := makeChannel(t, "Keep", nil)

	id, _ := uuid.NewV7()
	semi := models.Channel{
		ID:          id,
		Name:        "Gone after restart",
		Kind:        models.ChannelKindVoice,
		Persistence: models.ChannelSemiPermanent,
		CreatedAt:   time.Now().UTC(),
	}
	if err := CreateChannel(Conn(), &semi); err != nil {
		t.Fatal(err)
	}
	// a permanent child below a semi_permanent parent goes with the subtree
	child := makeChannel(t, "Child", &semi.ID)

	purged, err := PurgeSemiPermanent(Conn())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("expected 2 purged channels, got %d", purged)
	}

	if _, err := GetChannel(Conn(), permanent.ID); err != nil {
		t.Errorf("permanent channel should survive restart purge: %v", err)
	}
	if _, err := GetChannel(Conn(), child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("child of purged channel should be gone, got %v", err)
	}
}

func TestExportImportSubtreeRoundTrip(t *testing.T) {
	mustSetup(t)

	root := makeChannel(t, "Root", nil)
	mid := makeChannel(t, "Mid", &root.ID)
	makeChannel(t, "Leaf", &mid.ID)

	export, err := ExportSubtree(Conn(), root.ID)
	if err != nil {
		t.Fatal(err)
	}

	importedID, err := ImportSubtree(Conn(), nil, export, time.Now().UTC().Unix())
	if err != nil {
		t.Fatal(err)
	}

	reExport, err := ExportSubtree(Conn(), importedID)
	if err != nil {
		t.Fatal(err)
	}

	if len(reExport.Children) != 1 || len(reExport.Children[0].Children) != 1 {
		t.Fatalf("imported subtree has wrong shape: %+v", reExport)
	}
	if reExport.Name != export.Name || reExport.Children[0].Name != export.Children[0].Name {
		t.Errorf("structural export mismatch: %+v vs %+v", reExport, export)
	}
}
