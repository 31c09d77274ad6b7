package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/compose"
	"github.com/vdavid/mailgate/internal/models"
)

type ComposeService interface {
	Submit(ctx context.Context, req compose.Request) (*models.PendingApproval, error)
}

// ComposeHandler accepts messages for approval as multipart/form-data with
// the fields senderName, senderEmail, subject, mailBody and any number of files.
// The target roster comes from list, or alias for older forms.
type ComposeHandler struct {
	service            ComposeService
	maxAttachmentBytes int64
	logger             logrus.FieldLogger
}

func NewComposeHandler(service ComposeService, maxAttachmentBytes int64, logger logrus.FieldLogger) *ComposeHandler {
	return &ComposeHandler{
		service:            service,
		maxAttachmentBytes: maxAttachmentBytes,
		logger:             logger,
	}
}

type composeResponse struct {
	ID            string                `json:"id"`
	CorrelationID string                `json:"correlation_id"`
	List          string                `json:"list"`
	Status        models.ApprovalStatus `json:"status"`
}

func (h *ComposeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	// Form fields get a megabyte on top of the attachment limit.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxAttachmentBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxAttachmentBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.WithError(err).Debug("ComposeHandler: invalid form")
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	attachments, err := readAttachments(r.MultipartForm.File["files"])
	if err != nil {
		h.logger.WithError(err).Warn("ComposeHandler: failed to read attachments")
		http.Error(w, "Invalid attachment", http.StatusBadRequest)
		return
	}

	list := r.FormValue("list")
	if list == "" {
		list = r.FormValue("alias")
	}

	req := compose.Request{
		List:        list,
		SenderName:  r.FormValue("senderName"),
		SenderEmail: r.FormValue("senderEmail"),
		Subject:     r.FormValue("subject"),
		HTML:        r.FormValue("mailBody"),
		Attachments: attachments,
	}

	approval, err := h.service.Submit(r.Context(), req)
	switch {
	case errors.Is(err, compose.ErrMissingSender), errors.Is(err, compose.ErrMissingSubject), errors.Is(err, compose.ErrInvalidList):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, compose.ErrAttachmentsTooBig):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		h.logger.WithError(err).Error("ComposeHandler: submit failed")
		http.Error(w, "Failed to submit message", http.StatusBadGateway)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, composeResponse{
		ID:            approval.ID,
		CorrelationID: approval.CorrelationID,
		List:          approval.List,
		Status:        approval.Status,
	})
}

func readAttachments(headers []*multipart.FileHeader) ([]models.Attachment, error) {
	attachments := make([]models.Attachment, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}

		contentType := fh.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(content)
		}
		attachments = append(attachments, models.Attachment{
			Filename:    fh.Filename,
			ContentType: contentType,
			Content:     content,
		})
	}
	return attachments, nil
}
