package graph

import (
	"errors"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/resolve"
)

// GraphClient drives documents through resolution, inference and the
// writer. Resolution and inference of different documents run in parallel,
// commits are serialized.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	resolver          *resolve.Resolver
	inferencer        *infer.Inferencer
	writer            *Writer
	parallelDocuments int
	maxRetries        int
	backoff           util.Backoff
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// ParallelDocuments controls how many documents are resolved at once.
// MaxRetries bounds the attempts for transient store failures and
// RetryBackoff spaces them out.
type NewGraphClientParams struct {
	Resolver          *resolve.Resolver
	Inferencer        *infer.Inferencer
	Writer            *Writer
	ParallelDocuments int
	MaxRetries        int
	RetryBackoff      *util.Backoff
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	params := graph.NewGraphClientParams{
//		Resolver:          resolver,
//		Inferencer:        inferencer,
//		Writer:            graph.NewWriter(storeClient, inferencer.Scoring()),
//		ParallelDocuments: 4,
//	}
//	client, err := graph.NewGraphClient(params)
//	if err != nil {
//		log.Fatal(err)
//	}
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.Resolver == nil || params.Inferencer == nil || params.Writer == nil {
		return nil, errors.New("graph: resolver, inferencer and writer are required")
	}

	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	parallel := params.ParallelDocuments
	if parallel <= 0 {
		parallel = 1
	}
	backoff := util.DefaultBackoff()
	if params.RetryBackoff != nil {
		backoff = *params.RetryBackoff
	}

	g := &GraphClient{
		resolver:          params.Resolver,
		inferencer:        params.Inferencer,
		writer:            params.Writer,
		parallelDocuments: parallel,
		maxRetries:        maxRetries,
		backoff:           backoff,
	}
	return g, nil
}

// Writer returns the writer commits go through, used for merges and index
// checks outside a run.
func (g *GraphClient) Writer() *Writer {
	return g.writer
}
