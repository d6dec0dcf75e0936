package interview

import "testing"

func TestConversation_AppendAndSnapshot(t *testing.T) {
	c := NewConversation()

	if _, ok := c.Last(); ok {
		t.Error("Last reported a turn on an empty conversation")
	}

	first := c.Append(RoleUser, "你好")
	second := c.Append(RoleAssistant, "你好，请自我介绍。")

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("turn IDs not unique: %q vs %q", first.ID, second.ID)
	}
	if first.Timestamp.IsZero() {
		t.Error("turn timestamp not set")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	last, ok := c.Last()
	if !ok || last.Role != RoleAssistant || last.Text != "你好，请自我介绍。" {
		t.Errorf("Last = %+v, %v", last, ok)
	}

	user, ok := c.LastByRole(RoleUser)
	if !ok || user.Text != "你好" {
		t.Errorf("LastByRole(user) = %+v, %v", user, ok)
	}

	turns := c.Turns()
	turns[0].Text = "mutated"
	if fresh := c.Turns(); fresh[0].Text != "你好" {
		t.Error("Turns snapshot shares backing storage with the conversation")
	}
}
