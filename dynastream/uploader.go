package dynastream

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// An S3Uploader is just a simple wrapper around an S3manager. It just assumes
// default options, and that we will want to upload from some local file name
// to a remote file name.
type S3Uploader struct {
	uploader   S3UploaderService
	bucketName string
}

func (s *S3Uploader) Upload(fileName, keyName string) (err error) {
	r, err := os.Open(fileName)
	if err != nil {
		return
	}
	defer r.Close()

	log.Println("Uploading", fileName)
	err = s.upload(r, keyName)
	if err != nil {
		return
	}
	log.Println("Completed upload to", keyName)
	return
}

// UploadBuf uploads directly from an in-memory buffer.
func (s *S3Uploader) UploadBuf(buf io.Reader, keyName string) (err error) {
	return s.upload(buf, keyName)
}

func (s *S3Uploader) upload(body io.Reader, keyName string) (err error) {
	ui := s3manager.UploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(keyName),
		Body:   body,
	}

	_, err = s.uploader.Upload(&ui)
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok {
			return fmt.Errorf("Failed to upload: %v (%v)", awsErr.Code(), awsErr.Message())
		}
		return
	}
	return
}

func NewS3Uploader(c client.ConfigProvider, bucketName string) *S3Uploader {
	return &S3Uploader{
		uploader:   s3manager.NewUploader(c),
		bucketName: bucketName,
	}
}

// NewS3UploaderWithService is NewS3Uploader with the upload service swapped
// out, for testing.
func NewS3UploaderWithService(svc S3UploaderService, bucketName string) *S3Uploader {
	return &S3Uploader{
		uploader:   svc,
		bucketName: bucketName,
	}
}
