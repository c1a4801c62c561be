package ghpr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchFromSourcePR(t *testing.T) {
	assert.Equal(t, "EESSI-software-layer-PR-42-SEQ-1", BranchFromSourcePR("EESSI/software-layer", 42, 1))
}

func TestSeqFromBranch(t *testing.T) {
	seq, ok := SeqFromBranch("EESSI-software-layer-PR-42-SEQ-3")
	require.True(t, ok)
	assert.Equal(t, 3, seq)

	_, ok = SeqFromBranch("not-a-sequence-branch")
	assert.False(t, ok)
}

func TestIndividualTitle(t *testing.T) {
	assert.Equal(t, "[software.eessi.io] Ingest eessi-2023.06.tar.gz",
		IndividualTitle("software.eessi.io", "eessi-2023.06.tar.gz"))
}

func TestGroupedTitle(t *testing.T) {
	assert.Equal(t, "[software.eessi.io] Staging PR #3 for EESSI/software-layer#42",
		GroupedTitle("software.eessi.io", 3, "EESSI/software-layer", 42))
}

func TestRenderBodySubstitutesPythonStyleNames(t *testing.T) {
	tmpl := "Repo: {repo}\nPR: {pr}\nURL: {pr_url}\nUploader: {uploader}"
	body, err := RenderBody(tmpl, BodyFields{
		Repo: "EESSI/software-layer", PR: 42, PRURL: "https://github.com/EESSI/software-layer/pull/42", Uploader: "boegel",
	})
	require.NoError(t, err)
	assert.Equal(t, "Repo: EESSI/software-layer\nPR: 42\nURL: https://github.com/EESSI/software-layer/pull/42\nUploader: boegel", body)
}

func TestRenderBodyRejectsUnparsableTemplate(t *testing.T) {
	_, err := RenderBody("{{.Unterminated", BodyFields{})
	assert.Error(t, err)
}

func TestFormatTarballChecklist(t *testing.T) {
	got := FormatTarballChecklist([]string{"a.tar.gz", "b.tar.gz"})
	assert.Equal(t, "### Tarballs to be ingested\n\n- [ ] a.tar.gz\n- [ ] b.tar.gz\n", got)
}

func TestFormatMetadataList(t *testing.T) {
	got := FormatMetadataList(map[string]string{"a.tar.gz": `{"foo":1}`}, []string{"a.tar.gz"})
	assert.Contains(t, got, "<summary>Metadata for a.tar.gz</summary>")
	assert.Contains(t, got, `{"foo":1}`)
}

func TestDecodeApprovals(t *testing.T) {
	body := "### Tarballs to be ingested\n\n- [x] approved.tar.gz\n- [X] also-approved.tar.gz\n- [ ] rejected.tar.gz\nsome other text\n"
	got := DecodeApprovals(body)
	assert.Equal(t, map[string]bool{
		"approved.tar.gz":      true,
		"also-approved.tar.gz": true,
		"rejected.tar.gz":      false,
	}, got)
}

func TestRenderOverviewVerbatimUnderThreshold(t *testing.T) {
	members := []TarMember{
		{Name: "b.txt"},
		{Name: "a.txt"},
		{Name: "dir", IsDir: true},
	}
	overview := RenderOverview("https://example.org/bucket/tarball.tar.gz", members)
	assert.Contains(t, overview, "Total number of items in the tarball: 3")
	assert.Contains(t, overview, "https://example.org/bucket/tarball.tar.gz")
	assert.Contains(t, overview, "Full listing of the contents of the tarball:")
	// sorted alphabetically
	aIdx := strings.Index(overview, "a.txt")
	bIdx := strings.Index(overview, "b.txt")
	require.True(t, aIdx >= 0 && bIdx >= 0)
	assert.Less(t, aIdx, bIdx)
}

func TestRenderOverviewSummarizesAboveThreshold(t *testing.T) {
	members := make([]TarMember, 0, 150)
	for i := 0; i < 150; i++ {
		members = append(members, TarMember{Name: "2023.06/software/x86_64/generic/" + strings.Repeat("x", 1) + string(rune('a'+i%26))})
	}
	overview := RenderOverview("https://example.org/bucket/tarball.tar.gz", members)
	assert.Contains(t, overview, "Summarized overview of the contents of the tarball:")
	assert.Contains(t, overview, "Total number of items in the tarball: 150")
}

func TestRenderOverviewTruncatesPastCharLimit(t *testing.T) {
	members := make([]TarMember, 0, 2000)
	for i := 0; i < 2000; i++ {
		members = append(members, TarMember{Name: strings.Repeat("x", 60) + "/" + string(rune('a'+i%26)) + ".txt"})
	}
	overview := RenderOverview("https://example.org/bucket/tarball.tar.gz", members)
	assert.Contains(t, overview, "WARNING: output exceeded the maximum length and was truncated!")
	assert.LessOrEqual(t, len(overview), overviewCharLimit+100)
}

func TestMatchesGlob(t *testing.T) {
	assert.True(t, matchesGlob("2023.06/software/x86_64/zen2", "2023.06/software/*/*"))
	assert.False(t, matchesGlob("2023.06/software/x86_64", "2023.06/software/*/*"))
	assert.False(t, matchesGlob("2023.06/modules/x86_64/zen2", "2023.06/software/*/*"))
}

func TestCommonPrefix(t *testing.T) {
	assert.Equal(t, "2023.06", commonPrefix([]string{"2023.06/software/a", "2023.06/modules/b"}))
	assert.Equal(t, "", commonPrefix(nil))
}
