package gitworker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkyoung/review-pipeline/internal/adapter/scm"
	"github.com/bkyoung/review-pipeline/internal/domain"
	"github.com/bkyoung/review-pipeline/internal/gitworker"
	"github.com/bkyoung/review-pipeline/internal/state"
)

type fakeState struct {
	requests      map[string]domain.ReviewRequest
	chunks        map[string]domain.Chunk
	conversations map[string]bool
	posted        map[string]bool
}

func newFakeState() *fakeState {
	return &fakeState{
		requests:      make(map[string]domain.ReviewRequest),
		chunks:        make(map[string]domain.Chunk),
		conversations: make(map[string]bool),
		posted:        make(map[string]bool),
	}
}

func postedKey(repoID string, prID int, hash string) string {
	return fmt.Sprintf("%s:%d:%s", repoID, prID, hash)
}

func (f *fakeState) GetChunk(ctx context.Context, id string) (domain.Chunk, error) {
	chunk, ok := f.chunks[id]
	if !ok {
		return domain.Chunk{}, state.ErrNotFound
	}
	return chunk, nil
}

func (f *fakeState) SaveChunk(ctx context.Context, chunk domain.Chunk) error {
	f.chunks[chunk.ChunkID] = chunk
	return nil
}

func (f *fakeState) GetReviewRequest(ctx context.Context, id string) (domain.ReviewRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return domain.ReviewRequest{}, state.ErrNotFound
	}
	return req, nil
}

func (f *fakeState) SaveReviewRequest(ctx context.Context, req domain.ReviewRequest) error {
	f.requests[req.ReviewRequestID] = req
	return nil
}

func (f *fakeState) ChunksForRequest(ctx context.Context, id string) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, c := range f.chunks {
		if c.ReviewRequestID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeState) DeleteConversation(ctx context.Context, reqID, chunkID string) error {
	delete(f.conversations, reqID+":"+chunkID)
	return nil
}

func (f *fakeState) WasPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error) {
	return f.posted[postedKey(repoID, prID, hash)], nil
}

func (f *fakeState) MarkPosted(ctx context.Context, repoID string, prID int, hash string) (bool, error) {
	key := postedKey(repoID, prID, hash)
	if f.posted[key] {
		return false, nil
	}
	f.posted[key] = true
	return true, nil
}

type published struct {
	queue   string
	payload any
}

type fakePublisher struct {
	messages []published
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, payload any) error {
	f.messages = append(f.messages, published{queue: queueName, payload: payload})
	return nil
}

type fakeSCM struct {
	files    map[string]string
	fileErr  error
	comments []scm.CommentInput
	postErr  error
}

func (f *fakeSCM) GetPullRequest(ctx context.Context, repoID string, prID int) (scm.PullRequest, error) {
	return scm.PullRequest{}, nil
}

func (f *fakeSCM) GetPullRequestFileDiffs(ctx context.Context, repoID string, prID int) ([]scm.FileChange, error) {
	return nil, nil
}

func (f *fakeSCM) GetFileContent(ctx context.Context, repoID, filePath, ref string) (string, error) {
	if f.fileErr != nil {
		return "", f.fileErr
	}
	content, ok := f.files[filePath+"@"+ref]
	if !ok {
		return "", errors.New("file not found")
	}
	return content, nil
}

func (f *fakeSCM) PostPRComment(ctx context.Context, input scm.CommentInput) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.comments = append(f.comments, input)
	return nil
}

func seed(st *fakeState) {
	st.requests["req-1"] = domain.ReviewRequest{
		ReviewRequestID: "req-1",
		RepoID:          "Lmalviya/AI-Powered-Pull-Request-Review",
		PRID:            5,
		Provider:        "github",
		Status:          domain.RequestInProgress,
		Metadata: map[string]string{
			"base_sha":  "BBBB",
			"head_sha":  "HHHH",
			"start_sha": "BBBB",
		},
	}
	st.chunks["chunk-1"] = domain.Chunk{
		ChunkID:         "chunk-1",
		ReviewRequestID: "req-1",
		Filename:        "app.py",
		StartLine:       10,
		EndLine:         12,
		LineNumber:      11,
		CommentBody:     "Avoid blocking call here",
		Status:          domain.ChunkCommentReady,
		Metadata:        map[string]string{},
	}
}

func newWorkflow(st *fakeState, pub *fakePublisher, provider *fakeSCM) *gitworker.Workflow {
	return gitworker.NewWorkflow(gitworker.Deps{
		State:     st,
		Publisher: pub,
		SCM: func(name string) (scm.Provider, error) {
			if name != "github" && name != "gitlab" {
				return nil, errors.New("unsupported provider")
			}
			return provider, nil
		},
		OrchestratorQueue: "orchestrator_queue",
		Logger:            slog.New(slog.DiscardHandler),
	})
}

func TestPostComment_HappyPath(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))

	require.Len(t, provider.comments, 1)
	comment := provider.comments[0]
	assert.Equal(t, "Lmalviya/AI-Powered-Pull-Request-Review", comment.RepoID)
	assert.Equal(t, 5, comment.PRID)
	assert.Equal(t, "HHHH", comment.HeadSHA)
	assert.Equal(t, "BBBB", comment.BaseSHA)
	assert.Equal(t, "app.py", comment.File)
	assert.Equal(t, 11, comment.Line)
	assert.Equal(t, "Avoid blocking call here", comment.Body)

	chunk := st.chunks["chunk-1"]
	assert.Equal(t, domain.ChunkPosted, chunk.Status)
	assert.Equal(t, domain.CommentHash("app.py", 11, "Avoid blocking call here"), chunk.IdempotencyHash)

	posted, err := st.WasPosted(context.Background(), comment.RepoID, 5, chunk.IdempotencyHash)
	require.NoError(t, err)
	assert.True(t, posted)

	// Only chunk is terminal, so the request rolls up
	assert.Equal(t, domain.RequestCompleted, st.requests["req-1"].Status)
}

func TestPostComment_IdempotencyHit(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	hash := domain.CommentHash("app.py", 11, "Avoid blocking call here")
	_, err := st.MarkPosted(context.Background(), "Lmalviya/AI-Powered-Pull-Request-Review", 5, hash)
	require.NoError(t, err)

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))

	// Marker short-circuits: POSTED without a provider call
	assert.Empty(t, provider.comments)
	assert.Equal(t, domain.ChunkPosted, st.chunks["chunk-1"].Status)
}

func TestPostComment_DuplicateDeliveryCollapses(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	// A second chunk from a duplicate webhook delivery carries the same
	// (filename, line, body) triple under a different id.
	dup := st.chunks["chunk-1"]
	dup.ChunkID = "chunk-2"
	st.chunks["chunk-2"] = dup

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))
	require.NoError(t, wf.PostComment(context.Background(), "chunk-2"))

	assert.Len(t, provider.comments, 1)
	assert.Equal(t, domain.ChunkPosted, st.chunks["chunk-1"].Status)
	assert.Equal(t, domain.ChunkPosted, st.chunks["chunk-2"].Status)
}

func TestPostComment_MissingData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Chunk)
	}{
		{"no body", func(c *domain.Chunk) { c.CommentBody = "" }},
		{"no filename", func(c *domain.Chunk) { c.Filename = "" }},
		{"no line", func(c *domain.Chunk) { c.LineNumber = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeState()
			pub := &fakePublisher{}
			provider := &fakeSCM{}
			seed(st)

			chunk := st.chunks["chunk-1"]
			tt.mutate(&chunk)
			st.chunks["chunk-1"] = chunk

			wf := newWorkflow(st, pub, provider)
			require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))

			assert.Equal(t, domain.ChunkFailed, st.chunks["chunk-1"].Status)
			assert.Empty(t, provider.comments)
		})
	}
}

func TestPostComment_MissingHeadSHA(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	req := st.requests["req-1"]
	delete(req.Metadata, "head_sha")
	st.requests["req-1"] = req

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))

	assert.Equal(t, domain.ChunkFailed, st.chunks["chunk-1"].Status)
	assert.Empty(t, provider.comments)
}

func TestPostComment_ProviderFailure(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{postErr: errors.New("api down")}
	seed(st)

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))

	assert.Equal(t, domain.ChunkFailed, st.chunks["chunk-1"].Status)

	// No marker written for a failed post
	hash := domain.CommentHash("app.py", 11, "Avoid blocking call here")
	posted, err := st.WasPosted(context.Background(), "Lmalviya/AI-Powered-Pull-Request-Review", 5, hash)
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestPostComment_TerminalChunkSkipped(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkPosted
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.PostComment(context.Background(), "chunk-1"))
	assert.Empty(t, provider.comments)
}

func TestExecuteTool_ReadFile(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{files: map[string]string{
		"utils.py@HHHH": "def util():\n    return 42",
	}}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, "read_file")
	chunk.SetMeta(domain.MetaToolArgs, `{"file_path":"utils.py"}`)
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.ExecuteTool(context.Background(), "chunk-1"))

	got := st.chunks["chunk-1"]
	assert.Equal(t, domain.ChunkContextReady, got.Status)
	assert.Equal(t, 1, got.ContextLevel)
	assert.Equal(t, "def util():\n    return 42", got.Metadata[domain.MetaToolOutput])

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "orchestrator_queue", pub.messages[0].queue)
	task := pub.messages[0].payload.(domain.OrchestratorTask)
	assert.Equal(t, domain.ActionEvaluateChunk, task.Action)
	assert.Equal(t, "chunk-1", task.ChunkID)
}

func TestExecuteTool_FileStructureHeader(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{files: map[string]string{
		"app.py@HHHH": "class App:\n    pass",
	}}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, "get_file_structure")
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.ExecuteTool(context.Background(), "chunk-1"))

	output := st.chunks["chunk-1"].Metadata[domain.MetaToolOutput]
	assert.Contains(t, output, "File structure context for app.py:")
	assert.Contains(t, output, "class App:")
}

func TestExecuteTool_FallsBackToChunkFilename(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{files: map[string]string{
		"app.py@HHHH": "content",
	}}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, "read_file")
	// No tool args at all
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.ExecuteTool(context.Background(), "chunk-1"))

	assert.Equal(t, "content", st.chunks["chunk-1"].Metadata[domain.MetaToolOutput])
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, "launch_missiles")
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.ExecuteTool(context.Background(), "chunk-1"))

	got := st.chunks["chunk-1"]
	assert.Equal(t, "Unknown tool: launch_missiles", got.Metadata[domain.MetaToolOutput])
	assert.Equal(t, domain.ChunkContextReady, got.Status)
	assert.Equal(t, 1, got.ContextLevel)

	// The model decides how to recover; the loop continues
	assert.Len(t, pub.messages, 1)
}

func TestExecuteTool_FetchFailureBecomesToolOutput(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{fileErr: errors.New("404")}
	seed(st)

	chunk := st.chunks["chunk-1"]
	chunk.Status = domain.ChunkToolRequired
	chunk.SetMeta(domain.MetaLastTool, "read_file")
	st.chunks["chunk-1"] = chunk

	wf := newWorkflow(st, pub, provider)
	require.NoError(t, wf.ExecuteTool(context.Background(), "chunk-1"))

	got := st.chunks["chunk-1"]
	assert.Contains(t, got.Metadata[domain.MetaToolOutput], "failed")
	assert.Equal(t, domain.ChunkContextReady, got.Status)
}

func TestHandleMessage_Dispatch(t *testing.T) {
	st := newFakeState()
	pub := &fakePublisher{}
	provider := &fakeSCM{}
	seed(st)

	wf := newWorkflow(st, pub, provider)

	body, err := json.Marshal(domain.GitTask{
		Action:  domain.ActionGitComment,
		ChunkID: "chunk-1",
	})
	require.NoError(t, err)
	require.NoError(t, wf.HandleMessage(context.Background(), body))
	assert.Len(t, provider.comments, 1)

	// Malformed and unknown-action messages are dropped
	assert.NoError(t, wf.HandleMessage(context.Background(), []byte("{broken")))
	assert.NoError(t, wf.HandleMessage(context.Background(), []byte(`{"action":"NOPE","chunk_id":"chunk-1"}`)))
}

func TestPostComment_MissingChunkDropped(t *testing.T) {
	st := newFakeState()
	wf := newWorkflow(st, &fakePublisher{}, &fakeSCM{})
	assert.NoError(t, wf.PostComment(context.Background(), "ghost"))
}
