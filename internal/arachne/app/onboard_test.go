package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arachne-mcp/arachne/internal/arachne/discord"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

type fakeRoles struct {
	roleErr      error
	ensured      []string
	deleted      []string
	announced    []string
	announceTmpl string
	announceData discord.AnnounceData
}

func (f *fakeRoles) EnsureRole(ctx context.Context, serverID, name, accentColor string) (string, error) {
	if f.roleErr != nil {
		return "", f.roleErr
	}
	f.ensured = append(f.ensured, serverID+"/"+name)
	return "role-" + name, nil
}

func (f *fakeRoles) DeleteRole(ctx context.Context, serverID, roleID string) {
	f.deleted = append(f.deleted, serverID+"/"+roleID)
}

func (f *fakeRoles) Announce(ctx context.Context, channelID, tmpl string, data discord.AnnounceData) error {
	f.announced = append(f.announced, channelID)
	f.announceTmpl = tmpl
	f.announceData = data
	return nil
}

func newOnboardFixture(t *testing.T) (*Onboarder, *store.Store, *fakeRoles) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "onboard-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	roles := &fakeRoles{}
	return NewOnboarder(s, roles), s, roles
}

func TestAddEntityToServer(t *testing.T) {
	o, s, roles := newOnboardFixture(t)
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude,
		OwnerID: "owner-1", OwnerName: "alice",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.SaveServerSettings(ctx, &store.ServerSettings{
		ServerID:          "srv-1",
		AnnounceChannelID: "chan-announce",
	}); err != nil {
		t.Fatalf("SaveServerSettings: %v", err)
	}

	if err := o.AddEntityToServer(ctx, &store.EntityServer{
		EntityID: e.ID,
		ServerID: "srv-1",
		Channels: []string{"chan-1"},
		Tools:    []string{"send_message"},
	}); err != nil {
		t.Fatalf("AddEntityToServer: %v", err)
	}

	es, err := s.GetEntityServer(ctx, e.ID, "srv-1")
	if err != nil {
		t.Fatalf("GetEntityServer: %v", err)
	}
	if es.RoleID != "role-Weaver" {
		t.Errorf("RoleID = %q, want role-Weaver", es.RoleID)
	}
	if len(es.Channels) != 1 || es.Channels[0] != "chan-1" {
		t.Errorf("Channels = %v", es.Channels)
	}

	if len(roles.announced) != 1 || roles.announced[0] != "chan-announce" {
		t.Fatalf("announced = %v", roles.announced)
	}
	if roles.announceData.Name != "Weaver" {
		t.Errorf("announce name = %q", roles.announceData.Name)
	}
	if roles.announceData.Mention != discord.RoleMention("role-Weaver") {
		t.Errorf("announce mention = %q", roles.announceData.Mention)
	}
	if roles.announceData.OwnerMention != discord.UserMention("owner-1") {
		t.Errorf("announce owner mention = %q", roles.announceData.OwnerMention)
	}
}

func TestAddEntityToServerAnnounceChannelOverride(t *testing.T) {
	o, s, roles := newOnboardFixture(t)
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.SaveServerSettings(ctx, &store.ServerSettings{
		ServerID:          "srv-1",
		AnnounceChannelID: "chan-announce",
	}); err != nil {
		t.Fatalf("SaveServerSettings: %v", err)
	}

	if err := o.AddEntityToServer(ctx, &store.EntityServer{
		EntityID:          e.ID,
		ServerID:          "srv-1",
		AnnounceChannelID: "chan-welcome",
	}); err != nil {
		t.Fatalf("AddEntityToServer: %v", err)
	}

	if len(roles.announced) != 1 || roles.announced[0] != "chan-welcome" {
		t.Fatalf("announced = %v, want the row's channel to win", roles.announced)
	}
}

func TestAddEntityToServerSurvivesRoleFailure(t *testing.T) {
	o, s, roles := newOnboardFixture(t)
	ctx := context.Background()
	roles.roleErr = errors.New("missing MANAGE_ROLES")

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	if err := o.AddEntityToServer(ctx, &store.EntityServer{EntityID: e.ID, ServerID: "srv-1"}); err != nil {
		t.Fatalf("AddEntityToServer: %v", err)
	}
	es, err := s.GetEntityServer(ctx, e.ID, "srv-1")
	if err != nil {
		t.Fatalf("GetEntityServer: %v", err)
	}
	if es.RoleID != "" {
		t.Errorf("RoleID = %q, want empty after role failure", es.RoleID)
	}
}

func TestRemoveEntityFromServer(t *testing.T) {
	o, s, roles := newOnboardFixture(t)
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := o.AddEntityToServer(ctx, &store.EntityServer{EntityID: e.ID, ServerID: "srv-1"}); err != nil {
		t.Fatalf("AddEntityToServer: %v", err)
	}

	if err := o.RemoveEntityFromServer(ctx, e.ID, "srv-1"); err != nil {
		t.Fatalf("RemoveEntityFromServer: %v", err)
	}
	if _, err := s.GetEntityServer(ctx, e.ID, "srv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntityServer after remove: %v, want ErrNotFound", err)
	}
	if len(roles.deleted) != 1 || !strings.HasSuffix(roles.deleted[0], "role-Weaver") {
		t.Errorf("deleted roles = %v", roles.deleted)
	}
}

func TestApproveRequestAppliesDefaultTemplate(t *testing.T) {
	o, s, _ := newOnboardFixture(t)
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	tmpl := &store.ServerTemplate{
		ServerID: "srv-1",
		Name:     "guests",
		Channels: []string{"chan-lobby"},
		Tools:    []string{"read_messages", "send_message"},
	}
	if err := s.CreateServerTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateServerTemplate: %v", err)
	}
	if err := s.SaveServerSettings(ctx, &store.ServerSettings{
		ServerID:          "srv-1",
		DefaultTemplateID: tmpl.ID,
	}); err != nil {
		t.Fatalf("SaveServerSettings: %v", err)
	}

	req := &store.ServerRequest{EntityID: e.ID, ServerID: "srv-1", RequesterID: "owner-1"}
	if err := s.CreateServerRequest(ctx, req); err != nil {
		t.Fatalf("CreateServerRequest: %v", err)
	}

	if err := o.ApproveRequest(ctx, req.ID, "admin-1"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	got, err := s.GetServerRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetServerRequest: %v", err)
	}
	if got.Status != store.RequestApproved || got.ReviewerID != "admin-1" {
		t.Errorf("request after approval: status=%q reviewer=%q", got.Status, got.ReviewerID)
	}

	es, err := s.GetEntityServer(ctx, e.ID, "srv-1")
	if err != nil {
		t.Fatalf("GetEntityServer: %v", err)
	}
	if len(es.Channels) != 1 || es.Channels[0] != "chan-lobby" {
		t.Errorf("Channels = %v, want template channels", es.Channels)
	}
	if len(es.Tools) != 2 {
		t.Errorf("Tools = %v, want template tools", es.Tools)
	}
}

func TestRejectRequestIsTerminal(t *testing.T) {
	o, s, _ := newOnboardFixture(t)
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	req := &store.ServerRequest{EntityID: e.ID, ServerID: "srv-1", RequesterID: "owner-1"}
	if err := s.CreateServerRequest(ctx, req); err != nil {
		t.Fatalf("CreateServerRequest: %v", err)
	}

	if err := o.RejectRequest(ctx, req.ID, "admin-1"); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	got, err := s.GetServerRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetServerRequest: %v", err)
	}
	if got.Status != store.RequestRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	if _, err := s.GetEntityServer(ctx, e.ID, "srv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected request must not onboard: %v", err)
	}

	// Terminal: a second resolve fails.
	if err := o.ApproveRequest(ctx, req.ID, "admin-2"); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("re-resolve = %v, want ErrTerminal", err)
	}
}
