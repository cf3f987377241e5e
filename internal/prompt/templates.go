package prompt

// Default templates used when a run's config does not override them. The
// resolved prompt that actually ran is recorded on the evaluation.

const DefaultTranscription = `You are a careful transcriptionist for call recordings.
Listen to the attached audio and produce a full transcript.
{{audio}}

Listing: {{listing_title}}
Expected language: {{language}}
Transcription preferences: {{transcription_prefs}}

Return your answer STRICTLY in JSON format with this schema:
{
  "language": "<dominant language of the audio>",
  "segments": [
    {
      "speaker": "<speaker label, e.g. agent / customer>",
      "start_ms": <segment start in milliseconds>,
      "end_ms": <segment end in milliseconds>,
      "text": "<verbatim transcript of the segment>",
      "confidence": <float 0-1>
    }
  ]
}
Keep segments in chronological order. Do not merge speakers.`

const DefaultNormalization = `You are a transliteration engine.
Rewrite every segment of the transcript below into the {{target_script}} script.
Do not translate, summarize, reorder or drop segments; change the writing
system only and keep speaker labels and timestamps untouched.

Transcript:
{{original_transcript}}

Return your answer STRICTLY in JSON format with the same schema as the input:
{"segments": [{"speaker": "...", "start_ms": 0, "end_ms": 0, "text": "...", "confidence": 0.0}]}`

const DefaultEvaluation = `You are an expert reviewer of machine transcriptions.
The attached audio is the ground truth.
{{audio}}

Compare the ORIGINAL transcript (system under test) against the JUDGE
transcript segment by segment.

ORIGINAL transcript:
{{original_transcript}}

JUDGE transcript:
{{judge_transcript}}

Return your answer STRICTLY in JSON format with this schema:
{
  "segments": [
    {
      "index": <original segment index>,
      "speaker": "<speaker label>",
      "severity": "<none|minor|major|critical>",
      "correct": <true when the original segment matches the audio>,
      "confidence": <float 0-1>,
      "note": "<short explanation of the discrepancy, empty when correct>"
    }
  ],
  "matched_segments": <count of correct segments>,
  "total_segments": <count of original segments>,
  "summary": "<two-sentence overall judgement>"
}`

const DefaultAPITranscription = `You are a careful transcriptionist and information extractor.
Listen to the attached audio.
{{audio}}

Listing: {{listing_title}}
Expected language: {{language}}

Produce a transcript plus the structured fields a downstream API would
extract from this call.

Return your answer STRICTLY in JSON format with this schema:
{
  "transcript": "<full transcript as plain text>",
  "fields": { "<field path>": "<extracted value>" }
}`

const DefaultAPIEvaluation = `You are an expert reviewer of structured speech-API output.
Compare a prior API response against a freshly generated judge output.

PRIOR API response:
{{api_response}}

JUDGE output:
{{judge_output}}

Return your answer STRICTLY in JSON format with this schema:
{
  "transcript_match_percent": <float 0-100, how much of the prior transcript matches the judge transcript>,
  "fields": [
    {
      "path": "<field path>",
      "expected": "<value from the judge output>",
      "actual": "<value from the prior API response>",
      "match": <true|false>,
      "severity": "<none|minor|major|critical>",
      "confidence": <float 0-1>
    }
  ],
  "summary": "<two-sentence overall judgement>"
}
Compare every field present in either output.`
