package downloader

import (
	"strconv"
	"strings"

	"github.com/FildCommander/ytptube/internal/item"
)

// progressPrefix tags the machine-readable lines the tool is asked to
// print via --progress-template. Everything else on stdout is human
// output and is ignored by the parser.
const progressPrefix = "ytp|"

// progressTemplate is handed to the downloader tool so transfer state
// arrives as one parseable line per tick.
const progressTemplate = "download:" + progressPrefix +
	"%(progress.status)s|%(progress.downloaded_bytes)s|%(progress.total_bytes)s|" +
	"%(progress.total_bytes_estimate)s|%(progress.speed)s|%(progress.eta)s|%(info.filename)s"

// postprocessTemplate marks the post-processing phase the same way.
const postprocessTemplate = "postprocess:" + progressPrefix + "postprocessing||||||%(info.filename)s"

// Update is one translated progress emission.
type Update struct {
	Status   item.Status
	Progress item.Progress
	Filename string
}

// parseProgressLine translates one tool output line into an Update.
// Returns false for lines that are not progress emissions.
func parseProgressLine(line string) (Update, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, progressPrefix) {
		return Update{}, false
	}
	fields := strings.Split(strings.TrimPrefix(line, progressPrefix), "|")
	if len(fields) < 7 {
		return Update{}, false
	}

	up := Update{Filename: strings.TrimSpace(fields[6])}

	switch fields[0] {
	case "downloading":
		up.Status = item.StatusDownloading
	case "postprocessing":
		up.Status = item.StatusPostprocessing
		return up, true
	case "finished":
		// The tool reports per-file completion here; the process exit
		// code decides the item outcome, so treat it as a final
		// downloading tick.
		up.Status = item.StatusDownloading
	default:
		return Update{}, false
	}

	up.Progress.DownloadedBytes = parseBytes(fields[1])
	total := parseBytes(fields[2])
	if total <= 0 {
		total = parseBytes(fields[3])
	}
	up.Progress.TotalBytes = total
	up.Progress.Speed = parseFloat(fields[4])
	up.Progress.ETA = parseBytes(fields[5])
	if total > 0 {
		up.Progress.Percent = float64(up.Progress.DownloadedBytes) / float64(total) * 100
	}
	return up, true
}

// parseBytes parses an integer field, treating NA/None/empty as zero.
func parseBytes(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
