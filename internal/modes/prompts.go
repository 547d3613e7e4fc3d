package modes

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/chimera/internal/team"
)

const (
	synthesisSystem = "You merge several independent answers to the same task into one answer. " +
		"Keep what they agree on, resolve disagreements explicitly and drop repetition."

	generatorSystem = "You produce a complete solution to the task. When given reviewer feedback, " +
		"revise the previous draft to address every point and return the full revised draft."

	reviewerSystem = "You review a draft solution. If it fully and correctly solves the task, reply " +
		"with the single word APPROVED. Otherwise list the concrete problems to fix."

	judgeSystem = "You judge a debate. Reply using exactly this template:\n" +
		"VERDICT: pro or con\nREASONING: one short paragraph"

	leadSystem = "You are the team lead. Combine the work of your team into one coherent result " +
		"for the person who asked. Do not describe the team or the process."
)

var roleSystem = map[team.Role]string{
	team.RoleArchitect:  "You are a software architect. Focus on structure, boundaries and trade-offs.",
	team.RoleDeveloper:  "You are a senior developer. Produce concrete, working results.",
	team.RoleReviewer:   "You are a meticulous reviewer. Find defects, risks and omissions.",
	team.RoleTester:     "You are a test engineer. Think about verification and failure cases.",
	team.RoleResearcher: "You are a researcher. Gather the relevant facts and constraints.",
	team.RoleWriter:     "You are a technical writer. Explain results clearly and briefly.",
	team.RoleLead:       leadSystem,
}

func synthesisPrompt(task string, votes []string) string {
	var b strings.Builder
	b.WriteString(task)
	for i, v := range votes {
		fmt.Fprintf(&b, "\n\nAnswer %d:\n%s", i+1, v)
	}
	b.WriteString("\n\nWrite the merged answer.")
	return b.String()
}

func revisePrompt(task, draft, feedback string) string {
	return fmt.Sprintf("%s\n\nPrevious draft:\n%s\n\nReviewer feedback:\n%s\n\nReturn the revised draft.", task, draft, feedback)
}

func reviewPrompt(task, draft string) string {
	return fmt.Sprintf("%s\n\nDraft to review:\n%s", task, draft)
}

func debatePrompt(task string, side Side, transcript []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nYou argue the %s side: ", task, side)
	if side == SidePro {
		b.WriteString("argue for the proposed approach.")
	} else {
		b.WriteString("argue against it and propose what to do instead.")
	}
	if len(transcript) > 0 {
		b.WriteString("\n\nDebate so far:")
		writeTranscript(&b, transcript)
		b.WriteString("\n\nRebut the other side and strengthen your case.")
	}
	return b.String()
}

func judgePrompt(task string, transcript []Turn) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nDebate:")
	writeTranscript(&b, transcript)
	return b.String()
}

func writeTranscript(b *strings.Builder, transcript []Turn) {
	for _, t := range transcript {
		fmt.Fprintf(b, "\n\n[round %d, %s]\n%s", t.Round, t.Side, t.Text)
	}
}

func swarmTaskPrompt(t team.Task, inputs []string) string {
	if len(inputs) == 0 {
		return t.Prompt
	}
	return t.Prompt + "\n\nInput from teammates:\n" + strings.Join(inputs, "\n\n")
}

func leadPrompt(task string, outputs []taskOutput, trim int) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nTeam results:")
	for _, o := range outputs {
		fmt.Fprintf(&b, "\n\n[%s: %s]\n%s", o.role, o.title, Trim(o.text, trim))
	}
	b.WriteString("\n\nWrite the final combined result.")
	return b.String()
}
