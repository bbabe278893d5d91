package services

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/belaudiobooks/royalties_backend/jobs"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// GoogleDriveFetcher reads royalty report files from one Drive folder.
// It implements jobs.FileSource.
type GoogleDriveFetcher struct {
	service  *drive.Service
	folderId string
}

// NewGoogleDriveFetcher builds a read-only Drive client and verifies the
// folder exists up front, so a mistyped folder id fails the sync before any
// data is touched. Credentials come from GOOGLE_DRIVE_CREDENTIALS_JSON when
// set, otherwise application default credentials.
func NewGoogleDriveFetcher(ctx context.Context, folderId string) (*GoogleDriveFetcher, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveReadonlyScope)}
	if creds := os.Getenv("GOOGLE_DRIVE_CREDENTIALS_JSON"); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}

	folder, err := service.Files.Get(folderId).Fields("id, mimeType").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("looking up drive folder '%s': %w", folderId, err)
	}
	if folder.MimeType != "application/vnd.google-apps.folder" {
		return nil, fmt.Errorf("drive file '%s' is not a folder (mimeType %s)", folderId, folder.MimeType)
	}

	return &GoogleDriveFetcher{service: service, folderId: folderId}, nil
}

// ListXLSXFiles returns every non-trashed xlsx file in the folder,
// following pagination.
func (g *GoogleDriveFetcher) ListXLSXFiles(ctx context.Context) ([]jobs.DriveFile, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType='%s' and trashed=false", g.folderId, xlsxMimeType)

	var files []jobs.DriveFile
	pageToken := ""
	for {
		call := g.service.Files.List().
			Q(query).
			Spaces("drive").
			Fields("nextPageToken, files(id, name)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing drive folder '%s': %w", g.folderId, err)
		}
		for _, f := range page.Files {
			files = append(files, jobs.DriveFile{Id: f.Id, Name: f.Name})
		}
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

func (g *GoogleDriveFetcher) DownloadFile(ctx context.Context, fileId string) ([]byte, error) {
	resp, err := g.service.Files.Get(fileId).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading drive file '%s': %w", fileId, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading drive file '%s': %w", fileId, err)
	}
	return content, nil
}
