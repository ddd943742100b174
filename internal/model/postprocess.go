package model

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

var metaTags = []string{
	"<|im_start|>assistant",
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<think>",
	"</think>",
}

// PostProcess cleans raw model output: the echoed prompt and reasoning or
// chat-template tags are removed. With collapse set, output that repeats its
// first substantive line is reduced to that line.
func PostProcess(prompt, output string, collapse bool) string {
	out := output
	if prompt != "" && strings.HasPrefix(out, prompt) {
		out = out[len(prompt):]
	}
	out = thinkBlock.ReplaceAllString(out, "")
	for _, tag := range metaTags {
		out = strings.ReplaceAll(out, tag, "")
	}
	out = strings.TrimSpace(out)
	if collapse {
		out = collapseRepeats(out)
	}
	return out
}

func collapseRepeats(s string) string {
	first := ""
	repeats := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first == "" {
			first = line
			continue
		}
		if line == first {
			repeats++
		}
	}
	if repeats > 0 {
		return first
	}
	return s
}
