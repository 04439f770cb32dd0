package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"docflow/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

const contentFile = "content.json"

var (
	// ErrVariantNotFound is returned when a handle has no branch for the state.
	ErrVariantNotFound  = errors.New("variant not found")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Content is the stored body of one variant.
type Content struct {
	Type    string            `json:"type"`
	Title   string            `json:"title"`
	Summary string            `json:"summary"`
	Fields  map[string]string `json:"fields,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Label is a named pointer at one revision of a handle.
type Label struct {
	Name string
	Hash string
}

// Service stores one git repository per handle. Each live variant is a
// branch named after its lifecycle state; each commit is a revision.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) EnsureHandleRepo(handleID, state string, initial Content, author string) (store.CommitInfo, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(handleID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
		}
		return headInfo(repo, state)
	} else if !errors.Is(err, os.ErrNotExist) {
		return store.CommitInfo{}, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(path, initial); err != nil {
		return store.CommitInfo{}, err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create document", &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit initial content: %w", err)
	}
	branch := plumbing.NewBranchReferenceName(state)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, hash)); err != nil {
		return store.CommitInfo{}, fmt.Errorf("set %s branch ref: %w", state, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		return store.CommitInfo{}, fmt.Errorf("set HEAD to %s: %w", state, err)
	}
	if branch != plumbing.Master {
		_ = repo.Storer.RemoveReference(plumbing.Master)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) HasRepo(handleID string) bool {
	_, err := os.Stat(filepath.Join(s.repoPath(handleID), ".git"))
	return err == nil
}

func (s *Service) CommitVariant(handleID, state string, content Content, author, message string) (store.CommitInfo, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := s.commit(repo, state, content, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// CopyVariant commits the head content of one variant onto another.
func (s *Service) CopyVariant(handleID, from, to, author, message string) (store.CommitInfo, error) {
	content, _, err := s.GetVariantContent(handleID, from)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return s.CommitVariant(handleID, to, content, author, message)
}

// CopyFromHash commits the content of an arbitrary revision onto a variant.
func (s *Service) CopyFromHash(handleID, hash, to, author, message string) (store.CommitInfo, error) {
	content, err := s.GetContentByHash(handleID, hash)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return s.CommitVariant(handleID, to, content, author, message)
}

func (s *Service) HasVariant(handleID, state string) (bool, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return false, fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(state), true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve branch %s: %w", state, err)
	}
	return true, nil
}

func (s *Service) GetVariantContent(handleID, state string) (Content, store.CommitInfo, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(state), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Content{}, store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", state, ErrVariantNotFound)
		}
		return Content{}, store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", state, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) DeleteVariant(handleID, state string) error {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(state)); err != nil {
		return fmt.Errorf("remove branch %s: %w", state, err)
	}
	return nil
}

func (s *Service) GetContentByHash(handleID, hash string) (Content, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, revisionErr(err))
	}
	return readContentFromCommit(commitObj)
}

func (s *Service) GetCommitByHash(handleID, hash string) (store.CommitInfo, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, revisionErr(err))
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) History(handleID, state string, limit int) ([]store.CommitInfo, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(state), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("resolve branch %s: %w", state, ErrVariantNotFound)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", state, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Label points a lightweight tag at hash, moving it if it already exists.
func (s *Service) Label(handleID, label, hash string) error {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewTagReferenceName(label), resolvedHash)); err != nil {
		return fmt.Errorf("set label %s: %w", label, err)
	}
	return nil
}

func (s *Service) RemoveLabel(handleID, label string) error {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewTagReferenceName(label)); err != nil {
		return fmt.Errorf("remove label %s: %w", label, err)
	}
	return nil
}

// LabeledHash reports the revision a label points at, if any.
func (s *Service) LabeledHash(handleID, label string) (string, bool, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return "", false, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewTagReferenceName(label), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve label %s: %w", label, err)
	}
	return ref.Hash().String(), true, nil
}

func (s *Service) Labels(handleID string) ([]Label, error) {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(handleID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer iter.Close()

	labels := make([]Label, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		labels = append(labels, Label{Name: ref.Name().Short(), Hash: ref.Hash().String()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels, nil
}

func (s *Service) DeleteHandleRepo(handleID string) error {
	lock := s.handleLock(handleID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(handleID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(handleID string) string {
	return filepath.Join(s.baseDir, handleID)
}

func (s *Service) handleLock(handleID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[handleID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[handleID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, state string, content Content, author, message string) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, state); err != nil {
		return plumbing.ZeroHash, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree.Filesystem.Root(), content); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, state string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(state)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", state, err)
		}
		base, err := anyBranchHead(repo)
		if err != nil {
			return err
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, base)); err != nil {
			return fmt.Errorf("create branch %s: %w", state, err)
		}
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", state, err)
	}
	return nil
}

// anyBranchHead picks a starting point for a new variant branch. HEAD may
// dangle after a variant was deleted, so fall back to any remaining branch.
func anyBranchHead(repo *git.Repository) (plumbing.Hash, error) {
	if head, err := repo.Head(); err == nil {
		return head.Hash(), nil
	}
	iter, err := repo.Branches()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()
	ref, err := iter.Next()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("repository has no variants: %w", err)
	}
	return ref.Hash(), nil
}

func headInfo(repo *git.Repository, state string) (store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(state), true)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", state, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func writeContent(root string, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// DiffFields lists the fields that differ between two contents.
func DiffFields(from, to Content) []map[string]string {
	result := make([]map[string]string, 0)
	add := func(field, before, after string) {
		if before == after {
			return
		}
		result = append(result, map[string]string{"field": field, "before": before, "after": after})
	}
	add("type", from.Type, to.Type)
	add("title", from.Title, to.Title)
	add("summary", from.Summary, to.Summary)
	for _, key := range unionKeys(from.Fields, to.Fields) {
		add("fields."+key, from.Fields[key], to.Fields[key])
	}
	if !bytes.Equal(normalizeBody(from.Body), normalizeBody(to.Body)) {
		add("body", "[rich content]", "[rich content changed]")
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i]["field"] < result[j]["field"]
	})
	return result
}

func HasChanges(from, to Content) bool {
	if from.Type != to.Type || from.Title != to.Title || from.Summary != to.Summary {
		return true
	}
	for _, key := range unionKeys(from.Fields, to.Fields) {
		if from.Fields[key] != to.Fields[key] {
			return true
		}
	}
	return !bytes.Equal(normalizeBody(from.Body), normalizeBody(to.Body))
}

func unionKeys(a, b map[string]string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]string{a, b} {
		for key := range m {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.docflow.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func normalizeBody(body json.RawMessage) []byte {
	if len(body) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func revisionErr(err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return ErrRevisionNotFound
	}
	return err
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, ErrRevisionNotFound)
		}
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
