package common

import "errors"

// The errno-style names and strings follow lib/ansi/errlist.c from Minix;
// EDIRFULL has no errno counterpart.

var (
	EBADF        = errors.New("Bad file number")
	EBUSY        = errors.New("Resource busy")
	ECORRUPT     = errors.New("Structure needs cleaning")
	EDIRFULL     = errors.New("Directory is full")
	EEXIST       = errors.New("File exists")
	EFBIG        = errors.New("File too large")
	EINVAL       = errors.New("Invalid argument")
	EISDIR       = errors.New("Is a directory")
	EMFILE       = errors.New("Too many open files")
	ENAMETOOLONG = errors.New("File name too long")
	ENFILE       = errors.New("File table overflow")
	ENOENT       = errors.New("No such file or directory")
	ENOSPC       = errors.New("No space left on device")
	ENOTBLK      = errors.New("Block device required")
	ENOTDIR      = errors.New("Not a directory")
	ENOTEMPTY    = errors.New("Directory not empty")
	ENXIO        = errors.New("No such device or address")
	EUNFORMATTED = errors.New("Partition is not formatted")
)
