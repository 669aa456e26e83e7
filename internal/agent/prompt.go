package agent

import "fmt"

// Profile carries the student's self-reported experience levels. Values are
// free-form strings from the frontend ("beginner", "intermediate",
// "advanced", "expert", "none").
type Profile struct {
	ProgrammingExperience string `json:"programmingExperience"`
	ROSExperience         string `json:"rosExperience"`
	AIMLExperience        string `json:"aiMlExperience"`
}

const basePrompt = `You are an expert tutor for Physical AI and Humanoid Robotics.
Your goal is to educate students about robotics, ROS 2, computer vision, humanoid systems, and physical AI.

Guidelines:
- Be clear, educational, and encouraging
- Provide code examples when relevant (Python, C++, ROS 2)
- Reference specific chapters or concepts from the course material
- Admit when you don't know something rather than making up information
- When appropriate, use the search_course_content tool to find relevant information from the course
- Break down complex topics into understandable parts`

const (
	progBeginner = `
- Explain concepts step-by-step with basic terminology
- Provide simple code examples with detailed comments
- Define technical terms when first introducing them
- Use analogies to explain abstract concepts`

	progAdvanced = `
- Use advanced terminology and assume strong programming knowledge
- Focus on best practices, optimizations, and design patterns
- Provide concise explanations without over-simplifying
- Discuss trade-offs and alternative approaches`

	rosNone = `
- Explain ROS concepts from the ground up
- Link to ROS tutorials when relevant (http://wiki.ros.org/ROS/Tutorials)
- Define ROS-specific terms (nodes, topics, services, actions)
- Provide context for why ROS is used in robotics`

	rosAdvanced = `
- Assume solid ROS knowledge, skip basic explanations
- Focus on advanced ROS 2 patterns and architectural decisions
- Discuss DDS, Quality of Service, and performance considerations
- Reference ROS 2 best practices`

	aimlNone = `
- Explain AI/ML concepts accessibly
- Provide intuitive explanations of algorithms
- Suggest beginner-friendly resources for machine learning`

	aimlExperienced = `
- Use ML terminology naturally
- Discuss model architectures, training strategies, and evaluation metrics
- Reference recent research when relevant`
)

// BuildSystemPrompt returns the tutor system prompt, personalized when a
// profile is present. Unset axes fall back to the same defaults the frontend
// uses: intermediate programming, no ROS, no AI/ML.
func BuildSystemPrompt(profile *Profile) string {
	if profile == nil {
		return basePrompt
	}

	prog := profile.ProgrammingExperience
	if prog == "" {
		prog = "intermediate"
	}
	ros := profile.ROSExperience
	if ros == "" {
		ros = "none"
	}
	aiml := profile.AIMLExperience
	if aiml == "" {
		aiml = "none"
	}

	personalization := fmt.Sprintf(`

USER CONTEXT:
- Programming experience: %s
- ROS experience: %s
- AI/ML experience: %s

ADAPTATION INSTRUCTIONS:`, prog, ros, aiml)

	switch prog {
	case "beginner":
		personalization += progBeginner
	case "advanced", "expert":
		personalization += progAdvanced
	}

	switch ros {
	case "none":
		personalization += rosNone
	case "advanced":
		personalization += rosAdvanced
	}

	switch aiml {
	case "none":
		personalization += aimlNone
	case "intermediate", "advanced":
		personalization += aimlExperienced
	}

	return basePrompt + personalization
}

// annotateSelectedText wraps the user's question with the passage they
// selected in the course reader, so the model answers about that passage.
func annotateSelectedText(message, selected string) string {
	return fmt.Sprintf(`The user has selected this text from the course:

"""%s"""

Question about the selected text: %s

Please answer their question with specific reference to this selected content. If you need additional context, use the search_course_content tool.`, selected, message)
}
