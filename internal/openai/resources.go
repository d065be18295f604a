package openai

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
)

func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out struct {
		Data []Model `json:"data"`
	}
	if err := c.getJSON(ctx, "/models", false, &out); err != nil {
		return nil, err
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].ID < out.Data[j].ID })
	return out.Data, nil
}

func (c *Client) CreateVectorStore(ctx context.Context, name string) (VectorStore, error) {
	var out VectorStore
	if err := c.postJSON(ctx, "/vector_stores", map[string]string{"name": name}, &out); err != nil {
		return VectorStore{}, err
	}
	if out.ID == "" {
		return VectorStore{}, fmt.Errorf("create vector store: response without id")
	}
	return out, nil
}

func (c *Client) AttachFile(ctx context.Context, storeID, fileID string) (VectorStoreFile, error) {
	var out VectorStoreFile
	path := "/vector_stores/" + storeID + "/files"
	if err := c.postJSON(ctx, path, map[string]string{"file_id": fileID}, &out); err != nil {
		return VectorStoreFile{}, err
	}
	return out, nil
}

func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) error {
	return c.delete(ctx, "/vector_stores/"+storeID, true)
}

// UploadFile streams body as a multipart form so large files are never
// buffered in memory.
func (c *Client) UploadFile(ctx context.Context, filename string, body io.Reader, purpose string) (FileObject, error) {
	pr, pw := io.Pipe()
	defer pr.Close()

	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("purpose", purpose); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, body); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	var out FileObject
	err := c.send(ctx, request{
		method:      http.MethodPost,
		path:        "/files",
		body:        pr,
		contentType: mw.FormDataContentType(),
		upload:      true,
	}, &out)
	if err != nil {
		return FileObject{}, err
	}
	if out.ID == "" {
		return FileObject{}, fmt.Errorf("upload file: response without id")
	}
	return out, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.delete(ctx, "/files/"+fileID, false)
}

func (c *Client) CreateAssistant(ctx context.Context, req AssistantRequest) (Assistant, error) {
	var out Assistant
	if err := c.postJSON(ctx, "/assistants", req, &out); err != nil {
		return Assistant{}, err
	}
	if out.ID == "" {
		return Assistant{}, fmt.Errorf("create assistant: response without id")
	}
	return out, nil
}

func (c *Client) UpdateAssistant(ctx context.Context, assistantID string, req AssistantRequest) (Assistant, error) {
	var out Assistant
	if err := c.postJSON(ctx, "/assistants/"+assistantID, req, &out); err != nil {
		return Assistant{}, err
	}
	if out.ID == "" {
		return Assistant{}, fmt.Errorf("update assistant: response without id")
	}
	return out, nil
}

func (c *Client) DeleteAssistant(ctx context.Context, assistantID string) error {
	return c.delete(ctx, "/assistants/"+assistantID, true)
}

func (c *Client) CreateThread(ctx context.Context) (Thread, error) {
	var out Thread
	if err := c.postJSON(ctx, "/threads", map[string]any{}, &out); err != nil {
		return Thread{}, err
	}
	if out.ID == "" {
		return Thread{}, fmt.Errorf("create thread: response without id")
	}
	return out, nil
}

func (c *Client) CreateMessage(ctx context.Context, threadID, content string) (Message, error) {
	var out Message
	path := "/threads/" + threadID + "/messages"
	if err := c.postJSON(ctx, path, map[string]string{"role": "user", "content": content}, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

// ListMessages returns the thread's messages newest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var out struct {
		Data []Message `json:"data"`
	}
	if err := c.getJSON(ctx, "/threads/"+threadID+"/messages", true, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	var out Run
	path := "/threads/" + threadID + "/runs"
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return Run{}, err
	}
	if out.ID == "" {
		return Run{}, fmt.Errorf("create run: response without id")
	}
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var out Run
	path := "/threads/" + threadID + "/runs/" + runID
	if err := c.getJSON(ctx, path, true, &out); err != nil {
		return Run{}, err
	}
	return out, nil
}
