package pipeline

import "fmt"

// cleanupPrompt asks the local model to tidy a raw transcript without
// changing its meaning.
func cleanupPrompt(rawText string) string {
	return fmt.Sprintf(`Clean up this voice transcription. Preserve meaning.

Raw transcription:
%s

Instructions:
- Remove filler words and obvious speech artifacts.
- Fix repeated words and punctuation.
- Keep original intent and facts.

Return only cleaned text.`, rawText)
}

// localBreakdownPrompt turns a cleaned note into a task checklist on the
// local model.
func localBreakdownPrompt(cleanText string) string {
	return fmt.Sprintf(`Convert this note into actionable tasks.

Text:
%s

Output markdown checklist only.
Format each line as:
- [ ] Action (~time) #tags

Tags allowed: #work #personal #research #quick #deep-work`, cleanText)
}

// remoteBreakdownPrompt is the richer prompt used for complex notes routed
// to the remote backend. The input must already be anonymized.
func remoteBreakdownPrompt(scrubbedText string) string {
	return fmt.Sprintf(`Break this into specific next actions.

Task:
%s

Output markdown checklist only.
Format:
- [ ] Action (~time) #tags

Include dependencies and execution order if relevant.`, scrubbedText)
}
