package convert

import (
	"io"
	"mime/multipart"

	"github.com/meshforge/mesh-api/internal/apperror"
)

// UploadedFile abstracts one submitted image so the service does not depend
// on multipart internals and tests can submit plain byte readers.
type UploadedFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

type SubmitRequest struct {
	Files []UploadedFile
}

func (r SubmitRequest) Validate() *apperror.AppError {
	if len(r.Files) == 0 {
		return apperror.New(apperror.BadRequest, "missing images in request")
	}
	for _, f := range r.Files {
		if f.Size == 0 {
			return apperror.New(apperror.BadRequest, "empty image upload")
		}
	}
	return nil
}

// FromMultipart adapts parsed multipart file headers for Submit.
func FromMultipart(headers []*multipart.FileHeader) []UploadedFile {
	files := make([]UploadedFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, UploadedFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files
}
