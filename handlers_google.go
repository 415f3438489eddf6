package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"google.golang.org/api/slides/v1"
)

const workspaceCallTimeout = 30 * time.Second

// brokerTokenSource feeds the Google API clients from the access token
// manager, so every downstream call transparently picks up refreshes.
type brokerTokenSource struct {
	ctx    context.Context
	tokens *AccessTokenManager
	userID string
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.EnsureValidAccessToken(s.ctx, s.userID)
	if err != nil {
		return nil, err
	}
	t := &oauth2.Token{AccessToken: tok.AccessToken, TokenType: "Bearer"}
	if tok.ExpiresAt != nil {
		t.Expiry = *tok.ExpiresAt
	}
	return t, nil
}

func (a *App) tokenSource(ctx context.Context, userID string) oauth2.TokenSource {
	return &brokerTokenSource{ctx: ctx, tokens: a.tokens, userID: userID}
}

// writeGoogleError translates a failed Workspace call. A Google 401 means
// the stored grant died upstream; that is the user's reconnect problem, not
// a broker fault.
func (a *App) writeGoogleError(w http.ResponseWriter, err error) {
	var gerr *googleapi.Error
	switch {
	case errors.As(err, &gerr):
		if gerr.Code == http.StatusUnauthorized {
			writeError(w, http.StatusConflict, "RECONNECT_REQUIRED", "Google token invalid; user must reconnect")
			return
		}
		writeError(w, http.StatusBadGateway, "GOOGLE_API_ERROR", fmt.Sprintf("google api error: %d", gerr.Code))
	case errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrReconnectRequired),
		errors.Is(err, ErrRefreshFailed):
		writeTokenError(w, err)
	default:
		a.logger.Warn("google api request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "GOOGLE_API_ERROR", "google api request failed")
	}
}

// requireUserWithLimits pulls user_id and applies both limiter scopes.
// Returns "" after writing the response when the request must not proceed.
func (a *App) requireUserWithLimits(w http.ResponseWriter, r *http.Request) string {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return ""
	}
	if !a.checkTokenRateLimits(w, r, userID) {
		return ""
	}
	return userID
}

// HandleDriveMe returns the Drive profile (about.user).
func (a *App) HandleDriveMe(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := drive.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	about, err := svc.About.Get().Fields("user").Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": about.User})
}

// HandleDriveFiles lists Drive files, optionally filtered by a search query.
func (a *App) HandleDriveFiles(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}

	pageSize := 10
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			pageSize = n
		}
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := drive.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}

	call := svc.Files.List().
		PageSize(int64(pageSize)).
		Fields("files(id,name,mimeType,modifiedTime,owners,webViewLink),nextPageToken")
	if q := r.URL.Query().Get("q"); q != "" {
		call = call.Q(q)
	}

	list, err := call.Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files":         list.Files,
		"nextPageToken": list.NextPageToken,
	})
}

// HandleDocText returns a document's title and its plain-text body.
func (a *App) HandleDocText(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	documentID := mux.Vars(r)["document_id"]

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := docs.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	doc, err := svc.Documents.Get(documentID).Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documentId": doc.DocumentId,
		"title":      doc.Title,
		"text":       collectDocText(doc.Body),
	})
}

// HandleDoc returns the full document resource untouched, for callers that
// need more than the flattened text.
func (a *App) HandleDoc(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	documentID := mux.Vars(r)["document_id"]

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := docs.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	doc, err := svc.Documents.Get(documentID).Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleSheetValues reads a range from a spreadsheet.
func (a *App) HandleSheetValues(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	spreadsheetID := mux.Vars(r)["spreadsheet_id"]
	readRange := r.URL.Query().Get("range")
	if readRange == "" {
		readRange = "Sheet1!A1:D10"
	}

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := sheets.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	values, err := svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

type slideSummary struct {
	Index        int    `json:"index"`
	PageObjectID string `json:"pageObjectId"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Body         string `json:"body"`
	AllText      string `json:"all_text"`
}

// HandleSlidesSummary returns a simplified list of slides with
// title/subtitle/body text.
func (a *App) HandleSlidesSummary(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	presentationID := mux.Vars(r)["presentation_id"]

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := slides.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	pres, err := svc.Presentations.Get(presentationID).Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}

	summaries := make([]slideSummary, 0, len(pres.Slides))
	for i, slide := range pres.Slides {
		s := slideSummary{Index: i + 1, PageObjectID: slide.ObjectId}
		var allText []string

		for _, pe := range slide.PageElements {
			if pe.Shape == nil || pe.Shape.Text == nil {
				continue
			}
			txt := collectShapeText(pe.Shape.Text.TextElements)
			if txt == "" {
				continue
			}
			switch shapeKind(pe.Shape) {
			case "title":
				if s.Title == "" {
					s.Title = txt
				}
			case "subtitle":
				if s.Subtitle == "" {
					s.Subtitle = txt
				}
			case "body":
				if s.Body == "" {
					s.Body = txt
				} else {
					s.Body = s.Body + "\n" + txt
				}
			}
			allText = append(allText, txt)
		}
		s.AllText = strings.Join(allText, "\n")
		summaries = append(summaries, s)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presentationId": pres.PresentationId,
		"title":          pres.Title,
		"slideCount":     len(summaries),
		"slides":         summaries,
	})
}

// HandleSlides returns the full presentation resource untouched.
func (a *App) HandleSlides(w http.ResponseWriter, r *http.Request) {
	userID := a.requireUserWithLimits(w, r)
	if userID == "" {
		return
	}
	presentationID := mux.Vars(r)["presentation_id"]

	ctx, cancel := context.WithTimeout(r.Context(), workspaceCallTimeout)
	defer cancel()

	svc, err := slides.NewService(ctx, option.WithTokenSource(a.tokenSource(ctx, userID)))
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	pres, err := svc.Presentations.Get(presentationID).Do()
	if err != nil {
		a.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pres)
}

func collectShapeText(elements []*slides.TextElement) string {
	var parts []string
	for _, el := range elements {
		switch {
		case el.TextRun != nil && el.TextRun.Content != "":
			parts = append(parts, el.TextRun.Content)
		case el.AutoText != nil && el.AutoText.Content != "":
			parts = append(parts, el.AutoText.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, ""))
}

func shapeKind(shape *slides.Shape) string {
	if shape.Placeholder == nil {
		return "other"
	}
	switch shape.Placeholder.Type {
	case "TITLE", "CENTERED_TITLE":
		return "title"
	case "SUBTITLE":
		return "subtitle"
	case "BODY":
		return "body"
	}
	return "other"
}

func paragraphText(elements []*docs.ParagraphElement) string {
	var parts []string
	for _, el := range elements {
		if el.TextRun != nil && el.TextRun.Content != "" {
			parts = append(parts, el.TextRun.Content)
		}
	}
	return strings.Join(parts, "")
}

// collectDocText flattens a document body into plain text: paragraphs as
// lines, tables as pipe-joined cells.
func collectDocText(body *docs.Body) string {
	if body == nil {
		return ""
	}
	var lines []string
	for _, content := range body.Content {
		switch {
		case content.Paragraph != nil:
			lines = append(lines, strings.TrimSpace(paragraphText(content.Paragraph.Elements)))
		case content.Table != nil:
			for _, row := range content.Table.TableRows {
				var cells []string
				for _, cell := range row.TableCells {
					var cellLines []string
					for _, c := range cell.Content {
						if c.Paragraph != nil {
							if t := strings.TrimSpace(paragraphText(c.Paragraph.Elements)); t != "" {
								cellLines = append(cellLines, t)
							}
						}
					}
					if joined := strings.Join(cellLines, " "); joined != "" {
						cells = append(cells, joined)
					}
				}
				lines = append(lines, strings.Join(cells, " | "))
			}
		case content.SectionBreak != nil:
			lines = append(lines, "")
		}
	}
	var out []string
	for _, ln := range lines {
		out = append(out, strings.TrimSpace(ln))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
