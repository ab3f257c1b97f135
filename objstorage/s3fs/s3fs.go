// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package s3fs is an object-storage-backed vfs.FS decorator. Rather than
// mirroring every file write, it serves as a backup sink
// (BackupHandle.WriteTo can target an S3 object via PutObject) and can
// optionally mirror the MANIFEST and CURRENT pointer to a bucket, for
// deployments that want the database's metadata durable in S3 between
// local writes.
package s3fs

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/caskdb/caskdb/vfs"
)

// Options configures a FS.
type Options struct {
	Bucket string
	Prefix string
	Region string

	// MirrorManifest, when set, uploads MANIFEST and CURRENT files to S3 on
	// every Sync. A restorable mirror needs both: the MANIFEST holds the
	// version edits and CURRENT names the live MANIFEST.
	MirrorManifest bool
}

func (o Options) shouldMirror(name string) bool {
	return o.MirrorManifest && (strings.Contains(name, "MANIFEST") || strings.HasSuffix(name, "CURRENT"))
}

func (o Options) key(name string) string {
	if o.Prefix == "" {
		return name
	}
	return o.Prefix + "/" + name
}

// FS wraps a local vfs.FS, optionally mirroring MANIFEST/CURRENT writes to
// an S3 bucket, and stores and fetches backup archives in the bucket via
// PutObject/GetObject.
type FS struct {
	base     vfs.FS
	opts     Options
	s3Client *s3.S3
	uploader *s3manager.Uploader
}

// New wraps base with an S3-backed mirror configured by opts.
func New(base vfs.FS, opts Options) (*FS, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.Region)})
	if err != nil {
		return nil, err
	}
	return &FS{
		base:     base,
		opts:     opts,
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (f *FS) Create(name string) (vfs.File, error) {
	file, err := f.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &mirroredFile{File: file, fs: f, name: name}, nil
}

func (f *FS) Open(name string) (vfs.File, error) { return f.base.Open(name) }

func (f *FS) OpenForReadOnly(name string) (vfs.File, error) { return f.base.OpenForReadOnly(name) }

func (f *FS) Remove(name string) error {
	if f.opts.shouldMirror(name) {
		_, _ = f.s3Client.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(f.opts.Bucket),
			Key:    aws.String(f.opts.key(name)),
		})
	}
	return f.base.Remove(name)
}

func (f *FS) Rename(oldname, newname string) error {
	if err := f.base.Rename(oldname, newname); err != nil {
		return err
	}
	// CURRENT is installed by renaming a temp file over it, so it is
	// uploaded here rather than on the temp file's Sync.
	return (&mirroredFile{fs: f, name: newname}).upload()
}

func (f *FS) MkdirAll(dir string) error             { return f.base.MkdirAll(dir) }
func (f *FS) List(dir string) ([]string, error)     { return f.base.List(dir) }
func (f *FS) Stat(name string) (os.FileInfo, error) { return f.base.Stat(name) }
func (f *FS) Lock(name string) (vfs.Locker, error)  { return f.base.Lock(name) }
func (f *FS) PathJoin(elem ...string) string        { return f.base.PathJoin(elem...) }
func (f *FS) PathBase(path string) string           { return f.base.PathBase(path) }
func (f *FS) PathDir(path string) string            { return f.base.PathDir(path) }

// mirroredFile decorates a base vfs.File, uploading its bytes to S3 on Sync
// when its name matches the mirror policy.
type mirroredFile struct {
	vfs.File
	fs   *FS
	name string
}

func (m *mirroredFile) Sync() error {
	if err := m.File.Sync(); err != nil {
		return err
	}
	if !m.fs.opts.shouldMirror(m.name) {
		return nil
	}
	return m.upload()
}

func (m *mirroredFile) Close() error {
	err := m.upload()
	if cerr := m.File.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// upload re-opens the file read-only so the upload starts from byte zero
// regardless of where the writer's cursor ended up, then streams it to S3.
func (m *mirroredFile) upload() error {
	if !m.fs.opts.shouldMirror(m.name) {
		return nil
	}
	rf, err := m.fs.base.OpenForReadOnly(m.name)
	if err != nil {
		return err
	}
	defer rf.Close()
	_, err = m.fs.uploader.Upload(&s3manager.UploadInput{
		Body:   bufio.NewReader(rf),
		Bucket: aws.String(m.fs.opts.Bucket),
		Key:    aws.String(m.fs.opts.key(m.name)),
	})
	return err
}

// PutObject uploads everything read from r (such as a backup archive
// produced by BackupHandle.WriteTo) to the bucket under key.
func (f *FS) PutObject(key string, r io.Reader) error {
	_, err := f.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(f.opts.Bucket),
		Key:    aws.String(f.opts.key(key)),
		Body:   r,
	})
	return err
}

// GetObject downloads a previously-exported backup archive by key, for the
// restore path.
func (f *FS) GetObject(key string) (io.ReadCloser, error) {
	out, err := f.s3Client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(f.opts.Bucket),
		Key:    aws.String(f.opts.key(key)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}
