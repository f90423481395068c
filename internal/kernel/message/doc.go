// Package message implements the kernel wire protocol message model.
//
// A Message is the unit exchanged with a kernel on any of its channels. On the
// wire it is a multipart frame sequence:
//
//	[identities..., "<IDS|MSG>", signature, header, parent_header, metadata, content, buffers...]
//
// The signature is the hex encoded HMAC-SHA256 of the header, parent header,
// metadata and content frames, keyed with the connection key. An empty key
// disables signing.
//
// Content is decoded into a closed set of variants by Parse:
//
//	content, err := msg.Parse()
//	if err != nil {
//	    return err
//	}
//	switch c := content.(type) {
//	case *message.Status:
//	    fmt.Println(c.ExecutionState)
//	case *message.KernelInfoReply:
//	    fmt.Println(c.LanguageInfo.Name)
//	case *message.Unknown:
//	    // pass through
//	}
package message
