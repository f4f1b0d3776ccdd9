package chat

import "strings"

// AllName is the display token for mentioning every group member.
const AllName = "all"

// AddMention registers a pending mention target for the next group
// send. The consumer calls this when the user picks "@name" from a
// member list; id is the member's user id, or transcript.AtAll for
// @everyone. Order is preserved and duplicates are dropped.
func (c *Controller) AddMention(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.mentions {
		if m.id == id {
			return
		}
	}
	c.mentions = append(c.mentions, mention{name: name, id: id})
}

// ClearMentions discards all pending mention targets.
func (c *Controller) ClearMentions() {
	c.mu.Lock()
	c.mentions = nil
	c.mu.Unlock()
}

// Mentions returns the pending mention targets' user ids in order.
func (c *Controller) Mentions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.mentions))
	for _, m := range c.mentions {
		ids = append(ids, m.id)
	}
	return ids
}

// resolveMentions keeps only the pending targets whose "@name" token
// still appears in the outgoing text. Edited-out mentions are dropped
// silently.
func (c *Controller) resolveMentions(content string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for _, m := range c.mentions {
		if strings.Contains(content, "@"+m.name) {
			ids = append(ids, m.id)
		}
	}
	return ids
}
