// Package isoerr defines the error taxonomy shared by every importer
// component: a closed set of Kinds (not values), each wrapped with
// golang.org/x/xerrors so callers can both switch on Kind and see a
// %w-chained cause.
package isoerr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind identifies which class of error occurred, independent of the
// message text. See spec §7 for the full taxonomy and disposition
// table.
type Kind int

const (
	NullPointer Kind = iota
	OutOfMemory
	WrongEcma119
	UnsupportedEcma119
	WrongPvd
	UnsupportedVd
	UnsupportedSusp
	SuspMultipleEr
	WrongRr
	WrongRrWarn
	UnsupportedRr
	WrongElTorito
	UnsupportedElTorito
	ElToritoWarn
	ElToritoHidden
	AaipBadAAString
	AaipBadAcl
	AaipBadAclText
	AaipNonUserName
	AaipNoGetLocal
	AaipNoSetLocal
	AaipNotEnabled
	AaipBadAttrName
	AaipAclMultObj
	SbTreeCorrupted
	Md5TagMismatch
	Md5AreaCorrupted
	FilenameWrongCharset
	FileCantAdd
	FileIsDir
	FileIsNotDir
	FileIsNotSymlink
	FileDoesntExist
	FileAccessDenied
	FileBadPath
	FileAlreadyOpened
	FileNotOpened
	FileReadError
	FileOffsetTooBig
	RrPathTooLong
	RrNameTooLong
	RrNameReserved
	NodeNameNotUnique
	NodeAlreadyAdded
	NodeNotAddedToDir
	StreamNoClone
	XinfoNoClone
	DeadSymlink
	DeepSymlink
	AssertFailure
	Interrupted
	Canceled
	RangeError
	ReadError
)

var names = map[Kind]string{
	NullPointer:          "NullPointer",
	OutOfMemory:          "OutOfMemory",
	WrongEcma119:         "WrongEcma119",
	UnsupportedEcma119:   "UnsupportedEcma119",
	WrongPvd:             "WrongPvd",
	UnsupportedVd:        "UnsupportedVd",
	UnsupportedSusp:      "UnsupportedSusp",
	SuspMultipleEr:       "SuspMultipleEr",
	WrongRr:              "WrongRr",
	WrongRrWarn:          "WrongRrWarn",
	UnsupportedRr:        "UnsupportedRr",
	WrongElTorito:        "WrongElTorito",
	UnsupportedElTorito:  "UnsupportedElTorito",
	ElToritoWarn:         "ElToritoWarn",
	ElToritoHidden:       "ElToritoHidden",
	AaipBadAAString:      "AaipBadAAString",
	AaipBadAcl:           "AaipBadAcl",
	AaipBadAclText:       "AaipBadAclText",
	AaipNonUserName:      "AaipNonUserName",
	AaipNoGetLocal:       "AaipNoGetLocal",
	AaipNoSetLocal:       "AaipNoSetLocal",
	AaipNotEnabled:       "AaipNotEnabled",
	AaipBadAttrName:      "AaipBadAttrName",
	AaipAclMultObj:       "AaipAclMultObj",
	SbTreeCorrupted:      "SbTreeCorrupted",
	Md5TagMismatch:       "Md5TagMismatch",
	Md5AreaCorrupted:     "Md5AreaCorrupted",
	FilenameWrongCharset: "FilenameWrongCharset",
	FileCantAdd:          "FileCantAdd",
	FileIsDir:            "FileIsDir",
	FileIsNotDir:         "FileIsNotDir",
	FileIsNotSymlink:     "FileIsNotSymlink",
	FileDoesntExist:      "FileDoesntExist",
	FileAccessDenied:     "FileAccessDenied",
	FileBadPath:          "FileBadPath",
	FileAlreadyOpened:    "FileAlreadyOpened",
	FileNotOpened:        "FileNotOpened",
	FileReadError:        "FileReadError",
	FileOffsetTooBig:     "FileOffsetTooBig",
	RrPathTooLong:        "RrPathTooLong",
	RrNameTooLong:        "RrNameTooLong",
	RrNameReserved:       "RrNameReserved",
	NodeNameNotUnique:    "NodeNameNotUnique",
	NodeAlreadyAdded:     "NodeAlreadyAdded",
	NodeNotAddedToDir:    "NodeNotAddedToDir",
	StreamNoClone:        "StreamNoClone",
	XinfoNoClone:         "XinfoNoClone",
	DeadSymlink:          "DeadSymlink",
	DeepSymlink:          "DeepSymlink",
	AssertFailure:        "AssertFailure",
	Interrupted:          "Interrupted",
	Canceled:             "Canceled",
	RangeError:           "RangeError",
	ReadError:            "ReadError",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error type every component returns. Kind is
// always inspectable via errors.As; Cause may be nil.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that chains cause via %w (xerrors.Errorf keeps
// frame information in the rendered message, matching the teacher's
// convention of wrapping low level I/O errors with context).
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind:    kind,
		Message: msg,
		Cause:   xerrors.Errorf("%s: %w", msg, cause),
	}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
