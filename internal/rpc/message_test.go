package rpc

import "testing"

func TestRouteLane(t *testing.T) {
	cases := []struct {
		route *Route
		want  string
	}{
		{nil, laneNoLane},
		{&Route{}, laneNoRoute},
		{&Route{Capability: "chat@1"}, "cap:chat@1"},
		{&Route{Object: "obj_123"}, "obj:obj_123"},
	}
	for _, tc := range cases {
		if got := tc.route.Lane(); got != tc.want {
			t.Errorf("Lane() = %q, want %q", got, tc.want)
		}
	}
}

func TestFillDefaultsDerivesLaneFromRoute(t *testing.T) {
	msg := Message{Route: &Route{Capability: "chat@1"}}
	msg.FillDefaults()
	if msg.Lane != "cap:chat@1" {
		t.Errorf("Lane = %q, want cap:chat@1", msg.Lane)
	}

	explicit := Message{Route: &Route{Capability: "chat@1"}, Lane: "custom"}
	explicit.FillDefaults()
	if explicit.Lane != "custom" {
		t.Errorf("explicit Lane was overwritten: %q", explicit.Lane)
	}
}
