package bus

// Field names an agent's deferred-message envelope is rewritten into
// while the agent is travelling or detached, and restored from on
// retrieve (spec.md §4.7, state diagram).
const (
	fieldOutpostDst = "_outpost_dst"
	fieldOutpostSrc = "_outpost_src"
	fieldOutpostTag = "_outpost_tag"
)

// RewriteIn stashes the original dst/src/tag of msg under the
// _outpost_* fields and clears the live src and tag, producing the form
// stored via store-msg while an agent is mid-migration. The live dst is
// kept, so the stored form stays addressed to the agent. The original
// envelope is not mutated.
func RewriteIn(msg *Envelope) *Envelope {
	out := &Envelope{
		Dst:    msg.Dst,
		Src:    "",
		Fields: map[string]string{},
	}
	for k, v := range msg.Fields {
		out.Fields[k] = v
	}
	out.Fields[fieldOutpostDst] = msg.Dst
	out.Fields[fieldOutpostSrc] = msg.Src
	if len(msg.Tag) > 0 {
		out.Fields[fieldOutpostTag] = encodeTags(msg.Tag)
	}
	return out
}

// RewriteOut reverses RewriteIn, restoring the original envelope exactly
// as it arrived. Calling RewriteOut on an envelope RewriteIn produced
// satisfies RewriteOut(RewriteIn(msg)) == msg.
func RewriteOut(stored *Envelope) *Envelope {
	out := &Envelope{
		Fields: map[string]string{},
	}
	for k, v := range stored.Fields {
		switch k {
		case fieldOutpostDst:
			out.Dst = v
		case fieldOutpostSrc:
			out.Src = v
		case fieldOutpostTag:
			out.Tag = decodeTags(v)
		default:
			out.Fields[k] = v
		}
	}
	return out
}

func encodeTags(tags []string) string {
	joined := ""
	for i, t := range tags {
		if i > 0 {
			joined += ","
		}
		joined += t
	}
	return joined
}

func decodeTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			tags = append(tags, s[start:i])
			start = i + 1
		}
	}
	return tags
}
