package reasoning

import (
	"fmt"
	"strings"
)

// Passage kinds.
const (
	KindKnowledge = "knowledge"
	KindWeb       = "web"
)

// Passage is one piece of context handed to the model.
type Passage struct {
	Kind  string
	Ref   string
	Title string
	Text  string
}

// Message is one prior conversation turn.
type Message struct {
	Role    string
	Content string
}

// Input is everything the model sees for one question.
type Input struct {
	Question       string
	History        []Message
	Passages       []Passage
	WebUnavailable bool
}

// Prompt is a rendered chat prompt.
type Prompt struct {
	System  string
	History []Message
	User    string
}

const systemPrompt = `You answer questions for one user from their personal knowledge base, falling back to web search results when the knowledge base is not enough.

Guidelines:
- Prefer knowledge base passages over web results when both are relevant.
- Cite every source you use as [n], matching the numbered passages.
- Say whether information came from the knowledge base or the web.
- If the passages do not contain the answer, say so plainly instead of guessing.`

const judgeInstructions = `Decide whether the knowledge base passages above are enough to answer the question.
Reply with exactly one first line:
VERDICT: SUFFICIENT
or
VERDICT: INSUFFICIENT
If SUFFICIENT, write the full answer on the following lines, citing passages as [n].
If INSUFFICIENT, write one sentence on what is missing.`

const composeInstructions = `Answer the question using the passages above, citing them as [n].`

const webUnavailableNote = `Web search was unavailable for this question. Answer from the knowledge base passages if they help, and state clearly that external search could not be performed.`

// JudgePrompt renders the local sufficiency prompt.
func JudgePrompt(in Input) Prompt {
	return render(in, judgeInstructions)
}

// ComposePrompt renders the final answer prompt.
func ComposePrompt(in Input) Prompt {
	instructions := composeInstructions
	if in.WebUnavailable {
		instructions += "\n" + webUnavailableNote
	}
	return render(in, instructions)
}

func render(in Input, instructions string) Prompt {
	var b strings.Builder
	if len(in.Passages) == 0 {
		b.WriteString("No passages were found.\n")
	}
	for i, p := range in.Passages {
		label := "Knowledge base"
		if p.Kind == KindWeb {
			label = "Web"
		}
		fmt.Fprintf(&b, "[%d] %s: %s", i+1, label, p.Ref)
		if p.Title != "" {
			fmt.Fprintf(&b, " (%s)", p.Title)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(p.Text))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s\n\n%s", strings.TrimSpace(in.Question), instructions)

	return Prompt{
		System:  systemPrompt,
		History: in.History,
		User:    b.String(),
	}
}
