package comfyui

import (
	"context"
	"sync"
)

// GetImages submits a workflow and waits until every image it produced has
// been downloaded. The wait has no timeout of its own: it ends when the
// server reports the prompt finished, when the event stream dies, or when
// ctx is cancelled. Requires an open event stream.
func (c *Client) GetImages(ctx context.Context, prompt Prompt) (ImageResults, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	resp, err := c.QueuePrompt(ctx, prompt)
	if err != nil {
		return nil, err
	}

	sub, err := c.subscribe(resp.PromptID)
	if err != nil {
		return nil, err
	}
	c.logger.WithField("prompt_id", resp.PromptID).Debug("Tracking prompt execution")

	select {
	case err := <-sub.ch:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		c.unsubscribe(resp.PromptID)
		return nil, ctx.Err()
	}

	c.logger.WithField("prompt_id", resp.PromptID).Debug("Prompt finished, fetching images")
	return c.fetchImages(ctx, resp.PromptID)
}

// fetchImages retrieves the history record of a finished prompt and
// downloads every image it references. Downloads run concurrently; each
// image lands at its listed index so per-node order matches the history
// record regardless of completion order. One failed download fails the
// whole operation and discards everything already fetched.
func (c *Client) fetchImages(ctx context.Context, promptID string) (ImageResults, error) {
	entry, err := c.GetHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	results := make(ImageResults, len(entry.Outputs))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for nodeID, output := range entry.Outputs {
		if len(output.Images) == 0 {
			continue
		}

		images := make([]Image, len(output.Images))
		results[nodeID] = images

		for i, ref := range output.Images {
			wg.Add(1)
			go func(slot *Image, ref ImageRef) {
				defer wg.Done()

				data, err := c.GetImage(ctx, ref)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = &FetchError{Ref: ref, Err: err}
					}
					mu.Unlock()
					return
				}
				*slot = Image{Ref: ref, Data: data}
			}(&images[i], ref)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
