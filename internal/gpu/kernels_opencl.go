package gpu

// openCLSource holds both kernels for the OpenCL device. The arithmetic
// mirrors internal/worldgen using unsigned 64-bit math so overflow wraps the
// same way Go's signed arithmetic does.
const openCLSource = `
inline long rendering_seed(long x, long y, long z) {
    ulong l = ((ulong)x * 3129871UL) ^ ((ulong)z * 116129781UL) ^ (ulong)y;
    return (long)(l * l * 42317861UL + l * 11UL);
}

inline uint block_rotation(long x, long y, long z) {
    long seed = rendering_seed(x, y, z) >> 16;
    ulong s = ((ulong)seed ^ 0x5DEECE66DUL) & 0xFFFFFFFFFFFFUL;
    uint v = (uint)(((s * 0xBB20B4600A69UL + 0x40942DE6BAUL) >> 16) & 0xFFFFFFFFUL);
    uint a = ((int)v < 0) ? 0u - v : v;
    return a & 3u;
}

__kernel void gen_chunk(__global const uint* params, __global uint* terrain) {
    ulong id = get_global_id(0);
    long ox = (long)((ulong)params[0] | ((ulong)params[1] << 32));
    long oz = (long)((ulong)params[2] | ((ulong)params[3] << 32));
    ulong size = params[4];
    ulong layer = size * size;
    ulong cells = layer * (ulong)params[5];
    if (id * 16 >= cells) return;

    uint word = 0;
    for (uint k = 0; k < 16; k++) {
        ulong i = id * 16 + k;
        if (i >= cells) break;
        ulong rem = i % layer;
        word |= block_rotation(ox + (long)(rem % size), (long)(i / layer), oz + (long)(rem / size)) << (2 * k);
    }
    terrain[id] = word;
}

__kernel void find(__global const uint* params, __global const uint* terrain,
                   __global const uint* pattern, __global volatile uint* result) {
    ulong id = get_global_id(0);
    ulong size = params[0];
    uint gx = params[2], gy = params[3], gz = params[4];
    ulong width = params[5];
    ulong layer = width * width;
    if (id >= layer * (ulong)params[6]) return;

    uint key = (uint)id;
    if (*result <= key) return;

    ulong rem = id % layer;
    ulong base = rem % width + (rem / width) * size + (id / layer) * size * size;
    for (uint y = 0; y < gy; y++) {
        for (uint z = 0; z < gz; z++) {
            for (uint x = 0; x < gx; x++) {
                uint pi = x + z * gx + y * gx * gz;
                uint code = (pattern[pi >> 2] >> ((pi & 3) * 8)) & 0xFF;
                uint maxr = code >> 4;
                if (maxr <= 1) continue;
                ulong ti = base + x + z * size + y * size * size;
                uint t = (terrain[ti >> 4] >> ((ti & 15) * 2)) & 3;
                if (t % maxr != (code & 15)) return;
            }
        }
    }
    atomic_min(result, key);
}
`
