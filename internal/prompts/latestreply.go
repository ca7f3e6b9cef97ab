// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prompts

const LatestReplyTaskID = "email-latest-reply"

const latestReplyPrompt = `You analyze emails. Extract only the most recent reply or message from the email thread below.
Leave out quoted earlier messages and signatures.
Return the text exactly as written in the email. Do not rephrase, guess or add anything.`

// LatestReplyTask isolates the newest message from a quoted thread.
// Replies are short enough that the input is not capped.
type LatestReplyTask struct {
	descriptor
}

func NewLatestReplyTask() *LatestReplyTask {
	return &LatestReplyTask{descriptor{
		id:    LatestReplyTaskID,
		text:  latestReplyPrompt,
		model: "gpt-4o-mini-2024-07-18",
	}}
}
