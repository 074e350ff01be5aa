package review

// FileStatus mirrors the change status a pull request reports for a file.
type FileStatus string

const (
	FileStatusAdded    FileStatus = "added"
	FileStatusModified FileStatus = "modified"
	FileStatusRemoved  FileStatus = "removed"
	FileStatusRenamed  FileStatus = "renamed"
)

// PullRequestFile is one changed file as returned by the fetching
// collaborator. The fetch order is preserved end to end into the result's
// file list.
type PullRequestFile struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	Patch     string     `json:"patch,omitempty"`
	Content   string     `json:"content,omitempty"`
	Language  string     `json:"language,omitempty"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}
