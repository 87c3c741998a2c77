package digest

import "strings"

// defaultPromptTemplate drives the per-channel pipeline report. The
// placeholders {channel_name}, {linkedin_info} and {messages_text} are
// substituted before the prompt is sent.
const defaultPromptTemplate = `Please act as a virtual recruiting assistant. Analyze the Slack channel "{channel_name}" and prepare a comprehensive candidate pipeline report based on the messages below.

Your primary tasks are to:
1. Track ALL candidates in the pipeline for this company, regardless of when they were initially submitted
2. Distinguish between new submissions and ongoing candidates
3. Identify each candidate's current position in the hiring pipeline
4. Flag candidates requiring follow-up, especially those with no recent updates

For each candidate:
- Note when they were initially submitted (if mentioned)
- Track their current status in the hiring process
- Highlight any recent feedback or updates from this reporting period
- Flag candidates with no recent activity who require follow-up (over 1 week of no activity, mention)

Create separate sections for:
1. NEW SUBMISSIONS: Candidates newly submitted during this reporting period only
2. ACTIVE PIPELINE: ALL candidates in process (including those submitted before this reporting period)
   - With updates this week (highlight the new information)
   - Without updates this week (note last known status and time since last update)
3. FOLLOW-UP NEEDED: Candidates requiring immediate attention (no response, unclear status, etc.)
4. ACTION ITEMS: Specific tasks that need attention with deadlines if applicable

{linkedin_info}

Channel messages:
{messages_text}

Format your response as a structured table with two columns:

LEFT COLUMN: Company name ("{channel_name}")

RIGHT COLUMN: Pipeline information organized as follows:
1. PIPELINE SUMMARY (one-line overview with counts)
   - Total candidates in pipeline
   - New submissions this reporting period
   - Candidates with updates this reporting period
   - Candidates needing follow-up

2. DETAILED SECTIONS (with clear headers):
   - NEW SUBMISSIONS: Candidates newly submitted during this reporting period only
   - ACTIVE PIPELINE: ALL candidates in process
     * With updates this week (highlight the new information)
     * Without updates this week (note last known status and time since last update)
   - FOLLOW-UP NEEDED: Candidates requiring immediate attention
   - ACTION ITEMS: Specific tasks with deadlines if applicable

Use markdown table formatting for consistency. For example:

| Company | Pipeline Status |
|---------|----------------|
| {channel_name} | **PIPELINE SUMMARY**: 12 total candidates \| 3 new submissions \| 5 with updates \| 4 needing follow-up<br><br>**NEW SUBMISSIONS**:<br>• John Smith - Frontend Developer (submitted May 2)<br>• Jane Doe - Product Manager (submitted May 3)<br><br>**ACTIVE PIPELINE**:<br>• Alex Johnson - Interview scheduled May 8<br>• Sarah Williams - Awaiting feedback (2 weeks since last update)<br><br>**FOLLOW-UP NEEDED**:<br>• Michael Brown - No response for 3 weeks<br><br>**ACTION ITEMS**:<br>• Email hiring manager about Michael Brown by EOD |

This report will help the reader quickly understand the current candidate pipeline for each company and prioritize follow-up actions.`

func renderPrompt(template, channelName, linkedinInfo, messagesText string) string {
	if template == "" {
		template = defaultPromptTemplate
	}
	return strings.NewReplacer(
		"{channel_name}", channelName,
		"{linkedin_info}", linkedinInfo,
		"{messages_text}", messagesText,
	).Replace(template)
}
