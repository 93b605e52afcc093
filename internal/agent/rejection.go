package agent

// RejectionMessage redirects an off-topic query.
const RejectionMessage = "Thanks for reaching out! I'm dedicated to Scottish Country Dancing, " +
	"including sharing information and helping plan classes or dance programmes. " +
	"Could you rephrase your question to focus on Scottish Country Dancing?"

// DegradedMessage is sent when the relevance check itself could not run.
const DegradedMessage = "Sorry, I can't check your question right now because part of the service " +
	"is unavailable. Please try again in a little while."

// Rejection returns the reply for a rejected turn. It uses neither tools
// nor the LLM.
func Rejection(degraded bool) string {
	if degraded {
		return DegradedMessage
	}
	return RejectionMessage
}
